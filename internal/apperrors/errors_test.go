package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeNotFound, CodeOf(NotFound("access_request", "req-1")))
	assert.Equal(t, ErrCodeInvalidInput, CodeOf(InvalidInput("stage", "unknown stage")))
	assert.Equal(t, ErrCodeConflict, CodeOf(Conflict("state changed")))
	assert.Equal(t, ErrCodeInternal, CodeOf(errors.New("plain")))
}

func TestCodeSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("loading request: %w", NotFound("access_request", "req-1"))
	assert.True(t, IsCode(err, ErrCodeNotFound))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, ErrCodeInternal, "database unavailable")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("r", "1")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(InvalidInput("f", "bad")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Conflict("busy")))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(New(ErrCodeUnauthorized, "nope")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}
