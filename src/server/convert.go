package server

import (
	"unicode/utf16"
	"unicode/utf8"

	"go.lsp.dev/protocol"
)

// PositionEncoding is the negotiated character unit for wire positions.
type PositionEncoding int

const (
	EncodingUTF16 PositionEncoding = iota
	EncodingUTF8
	EncodingUTF32
)

func (e PositionEncoding) String() string {
	switch e {
	case EncodingUTF8:
		return "utf-8"
	case EncodingUTF32:
		return "utf-32"
	}
	return "utf-16"
}

// lineStart returns the byte offset of the 0-based line.
func lineStart(content string, line int) int {
	offset := 0
	for i := 0; i < line; i++ {
		for offset < len(content) && content[offset] != '\n' {
			offset++
		}
		if offset < len(content) {
			offset++
		}
	}
	return offset
}

// PositionToOffset converts a wire position into a byte offset, per the
// negotiated encoding.
func PositionToOffset(content string, position protocol.Position, encoding PositionEncoding) uint32 {
	offset := lineStart(content, int(position.Line))
	remaining := int(position.Character)

	for remaining > 0 && offset < len(content) && content[offset] != '\n' {
		r, size := utf8.DecodeRuneInString(content[offset:])
		switch encoding {
		case EncodingUTF8:
			if remaining < size {
				return uint32(offset)
			}
			remaining -= size
		case EncodingUTF16:
			units := 1
			if r > 0xffff {
				units = 2
			}
			remaining -= units
		case EncodingUTF32:
			remaining--
		}
		offset += size
	}
	return uint32(offset)
}

// OffsetToPosition converts a byte offset into a wire position.
func OffsetToPosition(content string, offset uint32, encoding PositionEncoding) protocol.Position {
	if int(offset) > len(content) {
		offset = uint32(len(content))
	}

	line := 0
	lineOffset := 0
	for i := 0; i < int(offset); i++ {
		if content[i] == '\n' {
			line++
			lineOffset = i + 1
		}
	}

	character := 0
	for i := lineOffset; i < int(offset); {
		r, size := utf8.DecodeRuneInString(content[i:])
		switch encoding {
		case EncodingUTF8:
			character += size
		case EncodingUTF16:
			character += len(utf16.Encode([]rune{r}))
		case EncodingUTF32:
			character++
		}
		i += size
	}

	return protocol.Position{Line: uint32(line), Character: uint32(character)}
}

// RangeToProtocol converts a byte range into a wire range.
func RangeToProtocol(content string, begin, end uint32, encoding PositionEncoding) protocol.Range {
	return protocol.Range{
		Start: OffsetToPosition(content, begin, encoding),
		End:   OffsetToPosition(content, end, encoding),
	}
}
