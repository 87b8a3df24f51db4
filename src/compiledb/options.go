package compiledb

import (
	"strings"
)

// Arity describes how a driver option consumes tokens.
type Arity int

const (
	// Flag takes no value: -c
	Flag Arity = iota
	// Joined takes a value glued to the spelling: -std=c++20
	Joined
	// Separate takes the value as the next token: -Xclang <arg>
	Separate
	// JoinedOrSeparate accepts either form: -I/dir or -I /dir
	JoinedOrSeparate
	// CommaJoined takes comma-separated values glued to the spelling: -Wl,a,b
	CommaJoined
	// MultiArg takes a fixed number of following tokens.
	MultiArg
)

// Option is one row of the static driver option table.
type Option struct {
	// Spelling is the canonical spelling, including the leading dashes.
	Spelling string
	Arity    Arity
	// NumArgs is the token count for MultiArg options.
	NumArgs int
	// Aliases are alternative spellings sharing this option's identity.
	Aliases []string
}

// Arg is one parsed argument: the option it matched (nil for inputs and
// unknown tokens) plus its values.
type Arg struct {
	Opt    *Option
	Values []string
	// Raw is the original token for inputs and unknown options.
	Raw string
}

// Spelling returns the option spelling, or the raw token.
func (a *Arg) Spelling() string {
	if a.Opt != nil {
		return a.Opt.Spelling
	}
	return a.Raw
}

// Rendered returns the canonical single-string form used for rule matching:
// the spelling with all values glued on.
func (a *Arg) Rendered() string {
	if a.Opt == nil {
		return a.Raw
	}
	var sb strings.Builder
	sb.WriteString(a.Opt.Spelling)
	for _, v := range a.Values {
		sb.WriteString(v)
	}
	return sb.String()
}

// IsInput reports whether this argument is a positional input file.
func (a *Arg) IsInput() bool {
	return a.Opt == nil && !strings.HasPrefix(a.Raw, "-")
}

// Render appends the argument in its canonical command-line form.
func (a *Arg) Render(out []string) []string {
	if a.Opt == nil {
		return append(out, a.Raw)
	}
	switch a.Opt.Arity {
	case Flag:
		return append(out, a.Opt.Spelling)
	case Joined:
		return append(out, a.Opt.Spelling+strings.Join(a.Values, ""))
	case CommaJoined:
		return append(out, a.Opt.Spelling+strings.Join(a.Values, ","))
	case Separate, MultiArg:
		out = append(out, a.Opt.Spelling)
		return append(out, a.Values...)
	case JoinedOrSeparate:
		// Normalized to the separate form, matching how the driver renders
		// include paths.
		out = append(out, a.Opt.Spelling)
		return append(out, a.Values...)
	}
	return out
}

// The static option table. lookupOption keeps the longest matching
// spelling, so the most specific option wins whatever the row order.
var optionTable = []Option{
	{Spelling: "-c", Arity: Flag},
	{Spelling: "-S", Arity: Flag},
	{Spelling: "-E", Arity: Flag},
	{Spelling: "-g", Arity: Flag},
	{Spelling: "-w", Arity: Flag},
	{Spelling: "-v", Arity: Flag},
	{Spelling: "-pedantic", Arity: Flag},
	{Spelling: "-pipe", Arity: Flag},
	{Spelling: "-nostdinc", Arity: Flag},
	{Spelling: "-nostdlibinc", Arity: Flag},
	{Spelling: "-nobuiltininc", Arity: Flag},
	{Spelling: "-shared", Arity: Flag},
	{Spelling: "-static", Arity: Flag},
	{Spelling: "-M", Arity: Flag},
	{Spelling: "-MM", Arity: Flag},
	{Spelling: "-MD", Arity: Flag},
	{Spelling: "-MMD", Arity: Flag},
	{Spelling: "-MP", Arity: Flag},
	{Spelling: "-MG", Arity: Flag},
	{Spelling: "-MF", Arity: Separate},
	{Spelling: "-MT", Arity: Separate},
	{Spelling: "-MQ", Arity: Separate},

	{Spelling: "-o", Arity: JoinedOrSeparate},
	{Spelling: "--output=", Arity: Joined},
	{Spelling: "-I", Arity: JoinedOrSeparate},
	{Spelling: "-D", Arity: JoinedOrSeparate},
	{Spelling: "-U", Arity: JoinedOrSeparate},
	{Spelling: "-x", Arity: JoinedOrSeparate},
	{Spelling: "--language=", Arity: Joined},
	{Spelling: "-std=", Arity: Joined, Aliases: []string{"--std="}},
	{Spelling: "-O", Arity: Joined},
	{Spelling: "-isystem", Arity: JoinedOrSeparate},
	{Spelling: "-iquote", Arity: JoinedOrSeparate},
	{Spelling: "-idirafter", Arity: JoinedOrSeparate},
	{Spelling: "-isysroot", Arity: JoinedOrSeparate},
	{Spelling: "--sysroot=", Arity: Joined},
	{Spelling: "--sysroot", Arity: Separate},
	{Spelling: "-include-pch", Arity: Separate},
	{Spelling: "-include", Arity: Separate},
	{Spelling: "-imacros", Arity: Separate},
	{Spelling: "--target=", Arity: Joined},
	{Spelling: "-target", Arity: Separate},
	{Spelling: "-arch", Arity: Separate},
	{Spelling: "-march=", Arity: Joined},
	{Spelling: "-mtune=", Arity: Joined},
	{Spelling: "-Xclang", Arity: Separate},
	{Spelling: "-Xpreprocessor", Arity: Separate},
	{Spelling: "-Xassembler", Arity: Separate},
	{Spelling: "-Xlinker", Arity: Separate},
	{Spelling: "-Wl,", Arity: CommaJoined},
	{Spelling: "-Wa,", Arity: CommaJoined},
	{Spelling: "-Wp,", Arity: CommaJoined},
	{Spelling: "-working-directory", Arity: JoinedOrSeparate},
	{Spelling: "-resource-dir=", Arity: Joined},
	{Spelling: "-resource-dir", Arity: Separate},
	{Spelling: "--gcc-toolchain=", Arity: Joined},
	{Spelling: "-stdlib=", Arity: Joined},
	{Spelling: "--config=", Arity: Joined},

	{Spelling: "-ftime-trace-granularity=", Arity: Joined},
	{Spelling: "-ftime-trace-verbose", Arity: Flag},
	{Spelling: "-ftime-trace=", Arity: Joined},
	{Spelling: "-ftime-trace", Arity: Flag},
	{Spelling: "-ftime-report=", Arity: Joined},
	{Spelling: "-ftime-report", Arity: Flag},
	{Spelling: "-emit-pch", Arity: Flag},
	{Spelling: "-fmodule-file=", Arity: Joined},
	{Spelling: "-fmodule-output=", Arity: Joined},
	{Spelling: "-fmodule-output", Arity: Flag},
	{Spelling: "-fprebuilt-module-path=", Arity: Joined},

	// MSVC spellings.
	{Spelling: "/c", Arity: Flag},
	{Spelling: "/I", Arity: JoinedOrSeparate},
	{Spelling: "/D", Arity: JoinedOrSeparate},
	{Spelling: "/std:", Arity: Joined},
	{Spelling: "/Yu", Arity: Joined},
	{Spelling: "/Yc", Arity: Joined},
	{Spelling: "/Fp", Arity: Joined},
	{Spelling: "/Fo", Arity: Joined},
	{Spelling: "/FI", Arity: Joined},
	{Spelling: "/EHsc", Arity: Flag},
}

// lookupOption finds the table row matching token, longest spelling first.
// joined reports whether the token carries a glued value. Slash spellings
// are only live in cl mode; elsewhere a leading slash is a Unix path.
func lookupOption(token string, clMode bool) (opt *Option, joined string, ok bool) {
	var best *Option
	bestLen := 0
	for i := range optionTable {
		o := &optionTable[i]
		if strings.HasPrefix(o.Spelling, "/") && !clMode {
			continue
		}
		spellings := append([]string{o.Spelling}, o.Aliases...)
		for _, sp := range spellings {
			switch o.Arity {
			case Flag:
				if token == sp && len(sp) > bestLen {
					best, bestLen, joined = o, len(sp), ""
				}
			case Separate, MultiArg:
				if token == sp && len(sp) > bestLen {
					best, bestLen, joined = o, len(sp), ""
				}
			case Joined, CommaJoined:
				if strings.HasPrefix(token, sp) && len(sp) > bestLen {
					best, bestLen, joined = o, len(sp), token[len(sp):]
				}
			case JoinedOrSeparate:
				if strings.HasPrefix(token, sp) && len(sp) > bestLen {
					best, bestLen, joined = o, len(sp), token[len(sp):]
				}
			}
		}
	}
	if best == nil {
		return nil, "", false
	}
	return best, joined, true
}

// ParseArgs runs the tokenized command line through the option table.
// Dash-dash parsing and grouped short options are disabled. Unknown
// dash-prefixed tokens are kept verbatim so a file with odd flags is still
// admitted with best-effort arguments.
func ParseArgs(tokens []string, clMode bool) []Arg {
	var args []Arg
	for i := 0; i < len(tokens); i++ {
		token := tokens[i]
		opt, joinedValue, ok := lookupOption(token, clMode)
		if !ok {
			args = append(args, Arg{Raw: token})
			continue
		}

		arg := Arg{Opt: opt}
		switch opt.Arity {
		case Flag:
			// No value.
		case Joined:
			arg.Values = []string{joinedValue}
		case CommaJoined:
			arg.Values = strings.Split(joinedValue, ",")
		case Separate:
			if i+1 < len(tokens) {
				i++
				arg.Values = []string{tokens[i]}
			}
		case MultiArg:
			for n := 0; n < opt.NumArgs && i+1 < len(tokens); n++ {
				i++
				arg.Values = append(arg.Values, tokens[i])
			}
		case JoinedOrSeparate:
			if joinedValue != "" {
				arg.Values = []string{joinedValue}
			} else if i+1 < len(tokens) {
				i++
				arg.Values = []string{tokens[i]}
			}
		}
		args = append(args, arg)
	}
	return args
}

// TokenizeGNU splits a shell-style command line into tokens, honoring
// single quotes, double quotes and backslash escapes.
func TokenizeGNU(command string) []string {
	var tokens []string
	var cur strings.Builder
	inToken := false
	var quote byte

	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}

	for i := 0; i < len(command); i++ {
		c := command[i]
		switch {
		case quote == '\'':
			if c == '\'' {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case quote == '"':
			if c == '"' {
				quote = 0
			} else if c == '\\' && i+1 < len(command) {
				next := command[i+1]
				if next == '"' || next == '\\' || next == '$' || next == '`' {
					i++
					cur.WriteByte(next)
				} else {
					cur.WriteByte(c)
				}
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inToken = true
		case c == '\\' && i+1 < len(command):
			i++
			cur.WriteByte(command[i])
			inToken = true
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			flush()
		default:
			cur.WriteByte(c)
			inToken = true
		}
	}
	flush()
	return tokens
}

// TokenizeWindows splits a cl-style command line: backslashes are literal
// except before a double quote, and "" inside quotes emits a quote.
func TokenizeWindows(command string) []string {
	var tokens []string
	var cur strings.Builder
	inToken := false
	inQuote := false

	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}

	for i := 0; i < len(command); i++ {
		c := command[i]
		switch {
		case c == '\\':
			// Count backslashes; they are literal unless followed by a quote.
			n := 0
			for i < len(command) && command[i] == '\\' {
				n++
				i++
			}
			if i < len(command) && command[i] == '"' {
				for j := 0; j < n/2; j++ {
					cur.WriteByte('\\')
				}
				if n%2 == 1 {
					cur.WriteByte('"')
				} else {
					i--
				}
			} else {
				for j := 0; j < n; j++ {
					cur.WriteByte('\\')
				}
				i--
			}
			inToken = true
		case c == '"':
			if inQuote && i+1 < len(command) && command[i+1] == '"' {
				cur.WriteByte('"')
				i++
			} else {
				inQuote = !inQuote
			}
			inToken = true
		case (c == ' ' || c == '\t') && !inQuote:
			flush()
		default:
			cur.WriteByte(c)
			inToken = true
		}
	}
	flush()
	return tokens
}
