package preamble

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundDirectivesOnly(t *testing.T) {
	text := "#include <a>\n#include <b>\n"
	assert.Equal(t, uint32(len(text)), ComputeBound(text))
}

func TestBoundStopsAtFirstToken(t *testing.T) {
	text := "#include <a>\nint x;\n#include <b>\n"
	assert.Equal(t, uint32(len("#include <a>\n")), ComputeBound(text))
}

func TestBoundEmptyDocument(t *testing.T) {
	assert.Equal(t, uint32(0), ComputeBound(""))
	assert.Empty(t, ComputeBounds(""))
}

func TestBoundNoDirectives(t *testing.T) {
	assert.Equal(t, uint32(0), ComputeBound("int main() {}\n"))
}

func TestBoundUnbalancedConditional(t *testing.T) {
	assert.Equal(t, uint32(0), ComputeBound("#if FOO\n#include <a>\nint x;\n"))
}

func TestBoundBalancedConditional(t *testing.T) {
	text := "#ifdef FOO\n#include <a>\n#endif\n"
	assert.Equal(t, uint32(len(text)), ComputeBound(text))

	// Inside the conditional no endpoint is recorded.
	bounds := ComputeBounds(text)
	require.Len(t, bounds, 1)
}

func TestBoundStrayEndif(t *testing.T) {
	text := "#include <a>\n#endif\n#include <b>\n"
	assert.Equal(t, uint32(len("#include <a>\n")), ComputeBound(text))
}

func TestBoundsModuleInterface(t *testing.T) {
	text := "module;\n#include <x>\nexport module t;\nint z=1;"
	bounds := ComputeBounds(text)

	require.Len(t, bounds, 2)
	assert.Equal(t, uint32(len("module;\n")), bounds[0])
	assert.Equal(t, uint32(len("module;\n#include <x>\n")), bounds[1])
}

func TestBoundModuleDeclarationWithoutFragment(t *testing.T) {
	// A named module declaration is not a preamble.
	assert.Equal(t, uint32(0), ComputeBound("export module t;\nint z;\n"))
	assert.Equal(t, uint32(0), ComputeBound("module t;\nint z;\n"))
}

func TestBoundsStrictlyIncreasing(t *testing.T) {
	texts := []string{
		"#include <a>\n#include <b>\n#define X 1\nint x;\n",
		"module;\n#include <x>\n#include <y>\nexport module t;\n",
		"#ifdef A\n#endif\n#include <a>\n",
	}
	for _, text := range texts {
		bounds := ComputeBounds(text)
		assert.True(t, sort.SliceIsSorted(bounds, func(i, j int) bool {
			return bounds[i] < bounds[j]
		}), text)
		for i := 1; i < len(bounds); i++ {
			assert.NotEqual(t, bounds[i-1], bounds[i])
		}
	}
}

func TestBoundSkipsCommentsAndBlankLines(t *testing.T) {
	text := "// header comment\n\n/* block\n comment */\n#include <a>\nint x;\n"
	assert.Equal(t, uint32(len(text)-len("int x;\n")), ComputeBound(text))
}

func TestBoundLineContinuation(t *testing.T) {
	text := "#define LONG \\\n 1\nint x;\n"
	assert.Equal(t, uint32(len("#define LONG \\\n 1\n")), ComputeBound(text))
}

func TestBoundWithoutTrailingNewline(t *testing.T) {
	text := "#include <a>"
	assert.Equal(t, uint32(len(text)), ComputeBound(text))
}
