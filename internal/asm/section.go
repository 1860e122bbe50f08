package asm

// SectionID indexes the sections of a CodeHolder. Section 0 is always the
// executable .text section.
type SectionID byte

// TextSection is the id of the default executable section.
const TextSection SectionID = 0

// SectionFlags describe mapping permissions of a section.
type SectionFlags byte

const (
	SectionExecutable SectionFlags = 1 << iota
	SectionWritable
)

// Section is one contiguous output area: a name, mapping flags, an
// alignment requirement and the byte buffer instructions or data are
// emitted into.
type Section struct {
	Name  string
	ID    SectionID
	Flags SectionFlags
	Align uint32
	Buf   Buffer
}

// CodeHolder owns everything produced by one compilation: the sections,
// the label table and the pending fixups. It is reset between
// compilations rather than reallocated.
type CodeHolder struct {
	Arch     Arch
	Labels   LabelManager
	sections []*Section
}

// NewCodeHolder returns a holder for the given architecture with a .text
// section.
func NewCodeHolder(arch Arch) *CodeHolder {
	ch := &CodeHolder{Arch: arch}
	ch.sections = append(ch.sections, &Section{
		Name:  ".text",
		ID:    TextSection,
		Flags: SectionExecutable,
		Align: 16,
	})
	return ch
}

// Text returns the executable section.
func (ch *CodeHolder) Text() *Section { return ch.sections[TextSection] }

// Section returns the section with the given id, or nil.
func (ch *CodeHolder) Section(id SectionID) *Section {
	if int(id) >= len(ch.sections) {
		return nil
	}
	return ch.sections[id]
}

// Sections returns all sections in id order.
func (ch *CodeHolder) Sections() []*Section { return ch.sections }

// AddSection creates an additional section and returns it.
func (ch *CodeHolder) AddSection(name string, flags SectionFlags, align uint32) *Section {
	s := &Section{Name: name, ID: SectionID(len(ch.sections)), Flags: flags, Align: align}
	ch.sections = append(ch.sections, s)
	return s
}

// Offset returns the current emission offset of the section.
func (ch *CodeHolder) Offset(id SectionID) int { return ch.sections[id].Buf.Len() }

// BindLabel binds a label to the current end of the given section.
func (ch *CodeHolder) BindLabel(id LabelID, section SectionID) error {
	return ch.Labels.Bind(id, section, ch.sections[section].Buf.Len())
}

// Reset clears sections and the label table for reuse. Section identity is
// preserved; only contents are dropped.
func (ch *CodeHolder) Reset() {
	for _, s := range ch.sections {
		s.Buf.Reset()
	}
	ch.Labels.Reset()
}
