package documents

import (
	"fmt"
)

// Edit is one byte-offset content change. A nil-length range with Full set
// replaces the whole document.
type Edit struct {
	// Full replaces the entire content with Text.
	Full bool
	// Begin and End are byte offsets of the replaced region.
	Begin uint32
	End   uint32
	Text  string
}

// ApplyEdits applies edits in order, returning the new content.
func ApplyEdits(content string, edits []Edit) (string, error) {
	for _, edit := range edits {
		if edit.Full {
			content = edit.Text
			continue
		}
		if edit.Begin > edit.End || edit.End > uint32(len(content)) {
			return "", fmt.Errorf("edit range [%d, %d) out of bounds for length %d",
				edit.Begin, edit.End, len(content))
		}
		content = content[:edit.Begin] + edit.Text + content[edit.End:]
	}
	return content, nil
}
