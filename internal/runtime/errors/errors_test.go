package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrConfigRequired", ErrConfigRequired, "zmqflow: configuration is required"},
		{"ErrExecutorRequired", ErrExecutorRequired, "zmqflow: executor is required"},
		{"ErrUnknownMode", ErrUnknownMode, "zmqflow: unknown topology mode"},
		{"ErrTimeout", ErrTimeout, "zmqflow: operation timed out"},
		{"ErrNoPendingRequest", ErrNoPendingRequest, "zmqflow: no pending request to reply to"},
		{"ErrShortMessage", ErrShortMessage, "zmqflow: message has too few frames"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	want := "zmqflow: invalid configuration: invalid port"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
	if NewConfigValidationError(nil) != nil {
		t.Error("NewConfigValidationError(nil) should be nil")
	}
	if !errors.Is(NewConfigValidationError(inner), inner) {
		t.Error("errors.Is should match wrapped error")
	}
}

func TestChecksumError(t *testing.T) {
	err := error(&ChecksumError{Expected: 0xdeadbeef, Actual: 1})
	want := "zmqflow: checksum mismatch: expected deadbeef, got 00000001"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}

	wrapped := fmt.Errorf("decode: %w", err)
	var csErr *ChecksumError
	if !errors.As(wrapped, &csErr) {
		t.Fatal("expected errors.As to find ChecksumError")
	}
	if csErr.Expected != 0xdeadbeef {
		t.Fatalf("unexpected expected checksum %x", csErr.Expected)
	}
}

func TestBindErrorUnwraps(t *testing.T) {
	inner := errors.New("address already in use")
	err := &BindError{Endpoint: "tcp://127.0.0.1:5556", Err: inner}
	if !errors.Is(err, inner) {
		t.Fatal("expected BindError to unwrap to inner error")
	}
	want := `zmqflow: cannot bind or connect "tcp://127.0.0.1:5556": address already in use`
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestExecutorError(t *testing.T) {
	inner := errors.New("boom")
	if got := (&ExecutorError{Err: inner}).Error(); got != "zmqflow: executor failed: boom" {
		t.Fatalf("unexpected message %q", got)
	}
	named := &ExecutorError{Operation: "Hello", Err: inner}
	if got := named.Error(); got != `zmqflow: executor failed for "Hello": boom` {
		t.Fatalf("unexpected message %q", got)
	}
	if !errors.Is(named, inner) {
		t.Fatal("expected ExecutorError to unwrap")
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(fmt.Errorf("request: %w", ErrTimeout)) {
		t.Fatal("expected wrapped timeout to be detected")
	}
	if IsTimeout(errors.New("other")) {
		t.Fatal("unexpected timeout match")
	}
}
