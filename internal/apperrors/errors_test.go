package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindAuthentication, http.StatusUnauthorized},
		{KindAuthorization, http.StatusForbidden},
		{KindValidation, http.StatusBadRequest},
		{KindResourceNotFound, http.StatusNotFound},
		{KindResourceConflict, http.StatusConflict},
		{KindResourceExhausted, http.StatusTooManyRequests},
		{KindExecutionFailed, http.StatusUnprocessableEntity},
		{KindTimeout, http.StatusRequestTimeout},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindInternal, http.StatusInternalServerError},
		{KindServiceUnavailable, http.StatusServiceUnavailable},
		{KindExternalService, http.StatusBadGateway},
	}
	for _, tc := range cases {
		e := &Error{Kind: tc.kind, Message: "x"}
		if got := e.Status(); got != tc.want {
			t.Errorf("Status(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestFromPassesTypedErrorsThrough(t *testing.T) {
	orig := Validation("code must not be empty", "code")
	wrapped := fmt.Errorf("pipeline step: %w", orig)

	got := From(wrapped, "Code Execution")
	if got.Kind != KindValidation {
		t.Fatalf("expected validation to pass through, got %s", got.Kind)
	}
}

func TestFromWrapsUnknownErrors(t *testing.T) {
	got := From(errors.New("redis connection refused"), "Code Execution")
	if got.Kind != KindServiceUnavailable {
		t.Fatalf("expected service_unavailable, got %s", got.Kind)
	}
	if got.Status() != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", got.Status())
	}
}

func TestValidationCarriesField(t *testing.T) {
	e := Validation("unsupported language", "lang")
	if len(e.Details) != 1 || e.Details[0].Field != "lang" {
		t.Fatalf("expected field detail for lang, got %+v", e.Details)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	e := ServiceUnavailable("Redis", cause)
	if !errors.Is(e, cause) {
		t.Fatal("expected errors.Is to see the cause through Unwrap")
	}
}
