// Package coderr defines the error taxonomy shared by every stage of the
// compilation pipeline. Each failure mode is a sentinel matched with
// errors.Is; call sites add context with fmt.Errorf("...: %w", err).
package coderr

import "errors"

var (
	// ErrInvalidArgument is returned when a builder call receives an
	// argument that can never be valid, e.g. an over-limit arg count.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidArch is returned when an operation targets an architecture
	// other than the one the compilation was created for.
	ErrInvalidArch = errors.New("invalid architecture")
	// ErrInvalidRegType is returned when an operand is constructed with a
	// register type that does not exist on the target architecture.
	ErrInvalidRegType = errors.New("invalid register type")
	// ErrInvalidRegGroup is returned when a register group index is out of
	// range for the target architecture.
	ErrInvalidRegGroup = errors.New("invalid register group")
	// ErrInvalidPhysID is returned when a physical register id does not fit
	// the target architecture's register file.
	ErrInvalidPhysID = errors.New("invalid physical register id")
	// ErrInvalidLabel is returned when a label id is not present in the
	// label table.
	ErrInvalidLabel = errors.New("invalid label")
	// ErrInvalidAssignment is returned by the local allocator when no
	// feasible physical register exists for a tied operand.
	ErrInvalidAssignment = errors.New("invalid register assignment")
	// ErrInvalidState is returned when the pipeline reaches a state it
	// cannot make progress from, e.g. a critical CFG edge that would need
	// splitting, or a shuffle pass that cannot converge.
	ErrInvalidState = errors.New("invalid state")
	// ErrOverlappedRegs is returned when two distinct virtual registers
	// would occupy the same physical register.
	ErrOverlappedRegs = errors.New("overlapped registers")
	// ErrRelocOffsetOutOfRange is returned on finalize when a displacement
	// does not fit the relocation kind's field.
	ErrRelocOffsetOutOfRange = errors.New("relocation offset out of range")
	// ErrLabelAlreadyDefined is returned when a named label is created
	// twice with the same name.
	ErrLabelAlreadyDefined = errors.New("label already defined")
	// ErrLabelAlreadyBound is returned when Bind is called on a label that
	// already has an offset.
	ErrLabelAlreadyBound = errors.New("label already bound")
	// ErrExpressionLabelNotBound is returned on finalize when a fixup
	// references a label that was never bound.
	ErrExpressionLabelNotBound = errors.New("expression label not bound")
	// ErrConsecutiveRegsAllocation is returned when a consecutive-register
	// request cannot be satisfied by any lead register.
	ErrConsecutiveRegsAllocation = errors.New("consecutive registers allocation failed")
	// ErrNotImplemented is returned for operations the target architecture
	// adapter does not support.
	ErrNotImplemented = errors.New("not implemented")
)

// Name returns the taxonomy name for err, or "Unknown" when err does not
// wrap any sentinel of this package. A nil err reports "Ok".
func Name(err error) string {
	switch {
	case err == nil:
		return "Ok"
	case errors.Is(err, ErrInvalidArgument):
		return "InvalidArgument"
	case errors.Is(err, ErrInvalidArch):
		return "InvalidArch"
	case errors.Is(err, ErrInvalidRegType):
		return "InvalidRegType"
	case errors.Is(err, ErrInvalidRegGroup):
		return "InvalidRegGroup"
	case errors.Is(err, ErrInvalidPhysID):
		return "InvalidPhysId"
	case errors.Is(err, ErrInvalidLabel):
		return "InvalidLabel"
	case errors.Is(err, ErrInvalidAssignment):
		return "InvalidAssignment"
	case errors.Is(err, ErrInvalidState):
		return "InvalidState"
	case errors.Is(err, ErrOverlappedRegs):
		return "OverlappedRegs"
	case errors.Is(err, ErrRelocOffsetOutOfRange):
		return "RelocOffsetOutOfRange"
	case errors.Is(err, ErrLabelAlreadyDefined):
		return "LabelAlreadyDefined"
	case errors.Is(err, ErrLabelAlreadyBound):
		return "LabelAlreadyBound"
	case errors.Is(err, ErrExpressionLabelNotBound):
		return "ExpressionLabelNotBound"
	case errors.Is(err, ErrConsecutiveRegsAllocation):
		return "ConsecutiveRegsAllocation"
	case errors.Is(err, ErrNotImplemented):
		return "NotImplemented"
	default:
		return "Unknown"
	}
}
