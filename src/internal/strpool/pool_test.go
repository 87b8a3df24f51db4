package strpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternIdempotent(t *testing.T) {
	pool := NewPool()

	a := pool.Intern("-std=c++20")
	b := pool.Intern("-std=c++20")
	c := pool.Intern("-std=c++23")

	assert.True(t, a == b, "equal inputs must return the same ref")
	assert.False(t, a == c)
	assert.Equal(t, "-std=c++20", *a)
}

func TestInternVectorIdentity(t *testing.T) {
	pool := NewPool()

	args := []Ref{pool.Intern("clang++"), pool.Intern("-c"), pool.Intern("main.cpp")}
	v1 := pool.InternVector(args)
	v2 := pool.InternVector([]Ref{pool.Intern("clang++"), pool.Intern("-c"), pool.Intern("main.cpp")})
	v3 := pool.InternVector(args[:2])

	assert.True(t, v1 == v2, "equal sequences must intern to the same vector")
	assert.False(t, v1 == v3)
	require.Len(t, *v1, 3)
	assert.Equal(t, "main.cpp", *(*v1)[2])
}

func TestClearInvalidates(t *testing.T) {
	pool := NewPool()

	a := pool.Intern("x")
	pool.Clear()
	b := pool.Intern("x")

	// After Clear the pool starts fresh; the old ref is no longer canonical.
	assert.False(t, a == b)
}

func TestPathTableDenseIDs(t *testing.T) {
	table := NewPathTable()

	a := table.ID("/w/s/main.cpp")
	b := table.ID("/w/s/a.h")
	again := table.ID("/w/s/./main.cpp")

	assert.Equal(t, PathID(0), a)
	assert.Equal(t, PathID(1), b)
	assert.Equal(t, a, again, "cleaned paths share one id")
	assert.Equal(t, "/w/s/main.cpp", table.Path(a))
	assert.Equal(t, InvalidPathID, table.Lookup("/nowhere.cpp"))
	assert.Equal(t, 2, table.Len())
}

func TestCanonical(t *testing.T) {
	assert.Equal(t, "/w/b/inc", Canonical("inc", "/w/b"))
	assert.Equal(t, "/abs/inc", Canonical("/abs/inc", "/w/b"))
}
