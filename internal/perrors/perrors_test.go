package perrors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WrapsUnderlyingError(t *testing.T) {
	err := New(ErrCodeConflict, "run already has a writer", errors.New("lease held"))

	var perr Err
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "lease held", perr.Error())
	assert.Equal(t, http.StatusConflict, perr.HttpStatus())
}

func TestNew_MissingErrorUsesPlaceholder(t *testing.T) {
	err := New(ErrCodeNotFound, "run not found", nil)

	var perr Err
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "error missing", perr.Error())
}

func TestNewErrInvalidRequest_UsesInvalidRequestCode(t *testing.T) {
	err := NewErrInvalidRequest("task is required", errors.New("task is required"))

	var perr Err
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusBadRequest, perr.HttpStatus())
}
