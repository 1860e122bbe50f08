package asm

import (
	"fmt"

	"github.com/forgejit/forge/internal/coderr"
)

// LabelID indexes the label table of a compilation.
type LabelID uint32

// LabelInvalid is never returned by NewLabel.
const LabelInvalid LabelID = 0xffffffff

// Fixup records a site in a section where a displacement referencing a
// label must be patched on finalize.
type Fixup struct {
	// At is the byte offset of the patch site within its section.
	At int
	// Kind selects the patch formula and width.
	Kind RelocKind
	// Addend is added to the target offset for absolute kinds.
	Addend int64
	// Section is the id of the section containing the patch site.
	Section SectionID
}

// labelState is the per-label record. A label is unbound until Bind sets
// its offset; fixups accumulated before binding are applied on finalize.
type labelState struct {
	offset  int
	bound   bool
	name    string
	section SectionID
	fixups  []Fixup
}

// LabelManager allocates label ids, binds them to section offsets and
// accumulates fixups. The table is append-only within a compilation and
// cleared by Reset.
type LabelManager struct {
	labels []labelState
	byName map[string]LabelID
}

// NewLabel allocates an unbound anonymous label.
func (lm *LabelManager) NewLabel() LabelID {
	id := LabelID(len(lm.labels))
	lm.labels = append(lm.labels, labelState{})
	return id
}

// NewNamedLabel allocates an unbound label with a unique name.
func (lm *LabelManager) NewNamedLabel(name string) (LabelID, error) {
	if lm.byName == nil {
		lm.byName = map[string]LabelID{}
	}
	if _, ok := lm.byName[name]; ok {
		return LabelInvalid, fmt.Errorf("%q: %w", name, coderr.ErrLabelAlreadyDefined)
	}
	id := LabelID(len(lm.labels))
	lm.labels = append(lm.labels, labelState{name: name})
	lm.byName[name] = id
	return id, nil
}

// LookupName returns the label registered under name.
func (lm *LabelManager) LookupName(name string) (LabelID, bool) {
	id, ok := lm.byName[name]
	return id, ok
}

// Count returns the number of allocated labels.
func (lm *LabelManager) Count() int { return len(lm.labels) }

func (lm *LabelManager) state(id LabelID) (*labelState, error) {
	if int(id) >= len(lm.labels) {
		return nil, fmt.Errorf("label %d: %w", id, coderr.ErrInvalidLabel)
	}
	return &lm.labels[id], nil
}

// Bind assigns the label to an offset within a section. A label is bound
// at most once; the offset never changes afterwards.
func (lm *LabelManager) Bind(id LabelID, section SectionID, offset int) error {
	s, err := lm.state(id)
	if err != nil {
		return err
	}
	if s.bound {
		return fmt.Errorf("label %d at %#x: %w", id, s.offset, coderr.ErrLabelAlreadyBound)
	}
	s.bound = true
	s.offset = offset
	s.section = section
	return nil
}

// AddFixup records a patch site referencing the label.
func (lm *LabelManager) AddFixup(id LabelID, f Fixup) error {
	s, err := lm.state(id)
	if err != nil {
		return err
	}
	s.fixups = append(s.fixups, f)
	return nil
}

// IsBound reports whether the label has an offset.
func (lm *LabelManager) IsBound(id LabelID) bool {
	if int(id) >= len(lm.labels) {
		return false
	}
	return lm.labels[id].bound
}

// BoundOffset returns the label's offset; it fails when the label is not
// bound.
func (lm *LabelManager) BoundOffset(id LabelID) (int, error) {
	s, err := lm.state(id)
	if err != nil {
		return 0, err
	}
	if !s.bound {
		return 0, fmt.Errorf("label %d: %w", id, coderr.ErrExpressionLabelNotBound)
	}
	return s.offset, nil
}

// Fixups returns the fixups recorded against the label.
func (lm *LabelManager) Fixups(id LabelID) []Fixup {
	if int(id) >= len(lm.labels) {
		return nil
	}
	return lm.labels[id].fixups
}

// Name returns the label's name, empty for anonymous labels.
func (lm *LabelManager) Name(id LabelID) string {
	if int(id) >= len(lm.labels) {
		return ""
	}
	return lm.labels[id].name
}

// Reset clears the table for reuse by another compilation.
func (lm *LabelManager) Reset() {
	lm.labels = lm.labels[:0]
	lm.byName = nil
}
