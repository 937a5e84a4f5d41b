package dicomtag

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/elly2178/lc2-curapacs/errors"
)

// Tag identifies a DICOM data element by its (group, element) pair.
// Tags are looked up in the dictionary, never invented by callers.
type Tag struct {
	Group   uint16
	Element uint16
}

// New creates a new Tag
func New(group, element uint16) Tag {
	return Tag{Group: group, Element: element}
}

// String renders the tag in the canonical flat form used by the archive's
// short JSON representation, e.g. "0008,0052".
func (t Tag) String() string {
	return fmt.Sprintf("%04x,%04x", t.Group, t.Element)
}

// Equals compares two tags
func (t Tag) Equals(other Tag) bool {
	return t.Group == other.Group && t.Element == other.Element
}

// Parse converts a flat "GGGG,EEEE" string into a Tag. Parsing is
// case-insensitive; the canonical rendering is lowercase.
func Parse(s string) (Tag, error) {
	group, element, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok {
		return Tag{}, errors.WrapInvalid(errors.ErrUnknownTag, "Tag", "Parse",
			fmt.Sprintf("missing comma separator in %q", s))
	}
	g, err := strconv.ParseUint(group, 16, 16)
	if err != nil {
		return Tag{}, errors.WrapInvalid(errors.ErrUnknownTag, "Tag", "Parse",
			fmt.Sprintf("bad group %q", group))
	}
	e, err := strconv.ParseUint(element, 16, 16)
	if err != nil {
		return Tag{}, errors.WrapInvalid(errors.ErrUnknownTag, "Tag", "Parse",
			fmt.Sprintf("bad element %q", element))
	}
	return Tag{Group: uint16(g), Element: uint16(e)}, nil
}
