package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fieldErr map[string]string

func (f fieldErr) Error() string                  { return "invalid" }
func (f fieldErr) FieldErrors() map[string]string { return f }

func TestRespondErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("users: %w", ErrNotFound), http.StatusNotFound},
		{ErrDuplicate, http.StatusConflict},
		{ErrValidation, http.StatusBadRequest},
		{ErrForbidden, http.StatusForbidden},
		{ErrUnauthorized, http.StatusUnauthorized},
		{fmt.Errorf("list users: %w", ErrUpstream), http.StatusBadGateway},
		{fieldErr{"email": "taken"}, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		assert.Equal(t, tc.want, rr.Code, tc.err.Error())
		assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	}
}

func TestRespondErrorHidesInternalDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, errors.New("pq: password authentication failed"))
	assert.NotContains(t, rr.Body.String(), "password")
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestDecodeJSON(t *testing.T) {
	var out struct {
		Email string `json:"email"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"a@b.c"}`))
	require.NoError(t, DecodeJSON(req, &out))
	assert.Equal(t, "a@b.c", out.Email)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"a@b.c"}{"email":"x"}`))
	assert.Error(t, DecodeJSON(req, &out))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"`+strings.Repeat("a", MaxDecodeBytes)+`"}`))
	assert.Error(t, DecodeJSON(req, &out))
}
