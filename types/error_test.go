package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrTransport, "publish failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true)

	if GetErrorCode(err) != ErrTransport {
		t.Fatalf("expected code %s, got %s", ErrTransport, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("dispatch: %w", NewPermissionDeniedError("test.ping"))
	if !IsErrorCode(wrapped, ErrPermissionDenied) {
		t.Fatalf("expected PERMISSION_DENIED through wrap, got %q", GetErrorCode(wrapped))
	}
	e, ok := AsError(wrapped)
	if !ok || e.HTTPStatus != http.StatusForbidden {
		t.Fatalf("unexpected AsError result: %v %v", e, ok)
	}
	if IsRetryable(wrapped) {
		t.Fatalf("permission errors are not retryable")
	}
}

func TestError_Constructors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    *Error
		code   ErrorCode
		status int
	}{
		{NewAuthenticationError(), ErrAuthentication, http.StatusUnauthorized},
		{NewUnknownFunctionError("nope.fun"), ErrUnknownFunction, http.StatusNotFound},
		{NewTransportError("down", nil), ErrTransport, http.StatusBadGateway},
		{NewStorageError("disk", errors.New("io")), ErrStorage, http.StatusInternalServerError},
		{NewInvalidRequestError("bad"), ErrInvalidRequest, http.StatusBadRequest},
	}
	for _, c := range cases {
		if c.err.Code != c.code || c.err.HTTPStatus != c.status {
			t.Fatalf("got %s/%d, want %s/%d", c.err.Code, c.err.HTTPStatus, c.code, c.status)
		}
	}
	if !NewTransportError("x", nil).Retryable {
		t.Fatalf("transport errors should be retryable")
	}
	if NewAuthenticationError().Message != "authentication failed" {
		t.Fatalf("authentication message must stay generic")
	}
}

func TestGetErrorCode_PlainError(t *testing.T) {
	t.Parallel()

	if GetErrorCode(errors.New("plain")) != "" {
		t.Fatalf("plain errors have no code")
	}
}
