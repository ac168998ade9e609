package domain

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{ErrPasteNotFound, http.StatusNotFound},
		{ErrAccessDenied, http.StatusForbidden},
		{ErrInvalidRequest, http.StatusBadRequest},
		{ErrRateLimitExceeded, http.StatusTooManyRequests},
		{ErrInternalServer, http.StatusInternalServerError},
		{NewValidationErr("title", "required"), http.StatusBadRequest},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := Status(tc.err); got != tc.status {
			t.Errorf("Status(%v) = %d, want %d", tc.err, got, tc.status)
		}
	}
}

func TestStatusUnwrapsCause(t *testing.T) {
	wrapped := errors.Wrap(ErrPasteNotFound, "load paste")
	if got := Status(wrapped); got != http.StatusNotFound {
		t.Errorf("Status(wrapped) = %d, want 404", got)
	}
	resp := ToResp(wrapped)
	if resp.Error.Code != "PASTE_NOT_FOUND" {
		t.Errorf("ToResp(wrapped).Code = %q", resp.Error.Code)
	}
}

func TestToRespMasksUnknownErrors(t *testing.T) {
	resp := ToResp(errors.New("connection string with secrets"))
	if resp.Error.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", resp.Error.Code)
	}
	if resp.Error.Msg != "internal error" {
		t.Errorf("unknown error message leaked: %q", resp.Error.Msg)
	}
}

func TestValidationErrCarriesField(t *testing.T) {
	err := NewValidationErr("content", "content is required")
	if !IsValidation(err) {
		t.Fatal("IsValidation = false")
	}
	resp := ToResp(err)
	if resp.Error.Field != "content" {
		t.Errorf("field = %q, want content", resp.Error.Field)
	}
	if IsValidation(ErrPasteNotFound) {
		t.Error("not-found classified as validation")
	}
}
