package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryDriverErrorMessage(t *testing.T) {
	err := &QueryDriverError{Kind: NotFoundInPATH, Message: "no clang"}
	assert.Contains(t, err.Error(), "NotFoundInPATH")
	assert.Contains(t, err.Error(), "no clang")
}

func TestToLSPMapping(t *testing.T) {
	lsp := ToLSP(fmt.Errorf("disk on fire"))
	assert.Equal(t, InternalError, lsp.Code)

	lsp = ToLSP(ErrCancelled)
	assert.Equal(t, RequestCancelled, lsp.Code)

	typed := &LSPError{Code: InvalidParams, Message: "bad position"}
	assert.Equal(t, typed, ToLSP(typed))

	wrapped := fmt.Errorf("context: %w", ErrCancelled)
	assert.Equal(t, RequestCancelled, ToLSP(wrapped).Code)
}

func TestBuildErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("parse exploded")
	err := &BuildError{File: "main.cpp", Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "main.cpp")
}
