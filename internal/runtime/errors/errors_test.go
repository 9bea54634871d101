package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrBusStarted", ErrBusStarted, "natsflow: bus already started, registrations are frozen"},
		{"ErrSubjectRequired", ErrSubjectRequired, "natsflow: subject is required"},
		{"ErrNoTarget", ErrNoTarget, "natsflow: no target registered for message type"},
		{"ErrInvalidPair", ErrInvalidPair, "natsflow: serializer pair must carry exactly one of native or adapter"},
		{"ErrLockTimeout", ErrLockTimeout, "natsflow: timed out acquiring lock"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigurationError(t *testing.T) {
	err := NewConfigurationError("selector", ErrNoTarget)
	if !errors.Is(err, ErrNoTarget) {
		t.Fatal("expected configuration error to unwrap to ErrNoTarget")
	}
	if !IsConfiguration(fmt.Errorf("outer: %w", err)) {
		t.Fatal("expected IsConfiguration to see through wrapping")
	}
	if want := "natsflow: configuration error in selector: natsflow: no target registered for message type"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if NewConfigurationError("noop", nil) != nil {
		t.Fatal("expected nil for nil cause")
	}
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Subject: "orders.get", After: 2 * time.Second, Err: ErrLockTimeout}
	if !IsTimeout(err) {
		t.Fatal("expected IsTimeout")
	}
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatal("expected timeout to unwrap")
	}
	if !err.Timeout() {
		t.Fatal("expected Timeout() to be true")
	}
	if want := "natsflow: timeout on orders.get after 2s: natsflow: timed out acquiring lock"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestRemoteError(t *testing.T) {
	err := error(&RemoteError{Subject: "orders.get", Message: "not found"})
	if !IsRemote(fmt.Errorf("wrapped: %w", err)) {
		t.Fatal("expected IsRemote")
	}
	if IsTimeout(err) {
		t.Fatal("remote error must not be a timeout")
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	want := "natsflow: invalid configuration: invalid port"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if err := NewConfigValidationError(nil); err != nil {
			t.Errorf("NewConfigValidationError(nil) = %v, want nil", err)
		}
	})

	t.Run("errors.Is works with wrapped error", func(t *testing.T) {
		inner := errors.New("specific error")
		err := NewConfigValidationError(inner)

		var cfgErr ConfigValidationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigValidationError, got %T", err)
		}
		if !errors.Is(err, inner) {
			t.Error("errors.Is should match wrapped error")
		}
	})
}
