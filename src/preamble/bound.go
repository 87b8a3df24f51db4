// Package preamble detects the reusable prefix of a source buffer and
// builds preparsed headers for it through the front end.
package preamble

// ComputeBounds returns every byte offset that could serve as a preamble
// endpoint, in strictly increasing order. An endpoint is the position just
// past a directive line's terminating newline (or EOF), reached while no
// non-directive token has been seen and conditional nesting is balanced.
// For module interface units the end of the `module;` line opens the
// global module fragment and is itself an endpoint; the `export module`
// declaration terminates the scan.
func ComputeBounds(content string) []uint32 {
	var bounds []uint32
	nesting := 0

	lexer := rawLexer{content: content}
	for {
		line, ok := lexer.nextLogicalLine()
		if !ok {
			break
		}
		if line.blank {
			continue
		}

		if line.directive != "" {
			switch line.directive {
			case "if", "ifdef", "ifndef":
				nesting++
			case "endif":
				if nesting == 0 {
					// A stray #endif ends the preamble region.
					return bounds
				}
				nesting--
			case "elif", "elifdef", "elifndef", "else":
				if nesting == 0 {
					return bounds
				}
			}
			if nesting == 0 {
				bounds = appendBound(bounds, line.end)
			}
			continue
		}

		if line.moduleMarker {
			// `module;` opens the global module fragment.
			if nesting == 0 {
				bounds = appendBound(bounds, line.end)
			}
			continue
		}

		// First non-directive token: the preamble region ends here.
		break
	}

	if nesting != 0 {
		// Unbalanced conditionals invalidate every tentative endpoint
		// reached inside them; endpoints recorded at balance stand.
		// A fully unbalanced prefix yields no preamble.
		return bounds
	}
	return bounds
}

// ComputeBound returns the last endpoint, or 0 when the file has no
// preamble.
func ComputeBound(content string) uint32 {
	bounds := ComputeBounds(content)
	if len(bounds) == 0 {
		return 0
	}
	return bounds[len(bounds)-1]
}

func appendBound(bounds []uint32, offset uint32) []uint32 {
	if len(bounds) > 0 && bounds[len(bounds)-1] == offset {
		return bounds
	}
	return append(bounds, offset)
}

// logicalLine is one newline-terminated region, with continuations folded.
type logicalLine struct {
	// end is the offset just past the terminating newline (or EOF).
	end uint32
	// blank is set when the line holds only whitespace and comments.
	blank bool
	// directive is the directive keyword without '#', or "".
	directive string
	// moduleMarker is set for the exact `module;` line.
	moduleMarker bool
}

// rawLexer scans logical lines without preprocessor expansion.
type rawLexer struct {
	content string
	pos     int
	// inBlockComment carries /* ... */ state across lines.
	inBlockComment bool
}

func (l *rawLexer) nextLogicalLine() (logicalLine, bool) {
	if l.pos >= len(l.content) {
		return logicalLine{}, false
	}

	start := l.pos
	end := start
	// Find the end of the logical line, folding backslash continuations
	// and newlines inside block comments.
	inBlock := l.inBlockComment
	inLine := false
	var quote byte
	for end < len(l.content) {
		c := l.content[end]
		switch {
		case inBlock:
			if c == '*' && end+1 < len(l.content) && l.content[end+1] == '/' {
				inBlock = false
				end++
			}
		case inLine:
			if c == '\n' {
				inLine = false
				end++
				goto lineDone
			}
		case quote != 0:
			if c == '\\' {
				end++
			} else if c == quote {
				quote = 0
			} else if c == '\n' {
				// Unterminated literal: end the line.
				end++
				goto lineDone
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '/' && end+1 < len(l.content) && l.content[end+1] == '*':
			inBlock = true
			end++
		case c == '/' && end+1 < len(l.content) && l.content[end+1] == '/':
			inLine = true
			end++
		case c == '\\' && end+1 < len(l.content) && l.content[end+1] == '\n':
			end++
		case c == '\n':
			end++
			goto lineDone
		}
		end++
	}
lineDone:
	l.pos = end
	l.inBlockComment = inBlock

	line := logicalLine{end: uint32(end)}
	classifyLine(l.content[start:end], &line)
	return line, true
}

// classifyLine inspects the meaningful tokens of one logical line.
func classifyLine(text string, line *logicalLine) {
	i := 0
	skipSpace := func() {
		for i < len(text) {
			switch {
			case text[i] == ' ' || text[i] == '\t' || text[i] == '\r' || text[i] == '\n':
				i++
			case text[i] == '\\' && i+1 < len(text) && text[i+1] == '\n':
				i += 2
			case text[i] == '/' && i+1 < len(text) && text[i+1] == '/':
				i = len(text)
			case text[i] == '/' && i+1 < len(text) && text[i+1] == '*':
				closing := indexFrom(text, i+2, "*/")
				if closing < 0 {
					i = len(text)
				} else {
					i = closing + 2
				}
			default:
				return
			}
		}
	}

	skipSpace()
	if i >= len(text) {
		line.blank = true
		return
	}

	if text[i] == '#' {
		i++
		skipSpace()
		begin := i
		for i < len(text) && isIdentChar(text[i]) {
			i++
		}
		keyword := text[begin:i]
		if keyword == "" {
			// A null directive (`#`) counts as a directive line.
			keyword = "null"
		}
		line.directive = keyword
		return
	}

	// `module;` possibly with trailing comment.
	begin := i
	for i < len(text) && isIdentChar(text[i]) {
		i++
	}
	if text[begin:i] == "module" {
		skipSpace()
		if i < len(text) && text[i] == ';' {
			line.moduleMarker = true
			return
		}
	}
}

func indexFrom(s string, from int, substr string) int {
	if from >= len(s) {
		return -1
	}
	for i := from; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
