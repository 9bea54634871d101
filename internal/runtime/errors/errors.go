package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrBusRequired           = sterrors.New("natsflow: bus is required")
	ErrBusStarted            = sterrors.New("natsflow: bus already started, registrations are frozen")
	ErrBrokerRequired        = sterrors.New("natsflow: broker is required")
	ErrDispatcherRequired    = sterrors.New("natsflow: dispatcher is required")
	ErrSubjectRequired       = sterrors.New("natsflow: subject is required")
	ErrStreamRequired        = sterrors.New("natsflow: stream is required")
	ErrConsumerRequired      = sterrors.New("natsflow: consumer is required")
	ErrMessageRequired       = sterrors.New("natsflow: message is required")
	ErrMessageTypeRequired   = sterrors.New("natsflow: message type is required")
	ErrConfigRequired        = sterrors.New("natsflow: configuration is required")
	ErrLoggerRequired        = sterrors.New("natsflow: logger is required")
	ErrNoTarget              = sterrors.New("natsflow: no target registered for message type")
	ErrNoSerializer          = sterrors.New("natsflow: no serializer available for message type")
	ErrInvalidPair           = sterrors.New("natsflow: serializer pair must carry exactly one of native or adapter")
	ErrUnexpectedMessageType = sterrors.New("natsflow: unexpected message type")
	ErrLockTimeout           = sterrors.New("natsflow: timed out acquiring lock")
	ErrLockKeyRequired       = sterrors.New("natsflow: lock key is required")
	ErrReplyAddressMissing   = sterrors.New("natsflow: reply address missing on inbound message")
)

// ConfigurationError marks a misconfiguration that is fatal at startup or
// first use and is never retried.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Op == "" {
		return "natsflow: configuration error: " + e.Err.Error()
	}
	return fmt.Sprintf("natsflow: configuration error in %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError wraps err, returning nil for a nil err.
func NewConfigurationError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ConfigurationError{Op: op, Err: err}
}

// TimeoutError is returned when a query, request or lock acquisition does not
// complete in time. It is recoverable.
type TimeoutError struct {
	Subject string
	After   time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	msg := "natsflow: timeout"
	if e.Subject != "" {
		msg += " on " + e.Subject
	}
	if e.After > 0 {
		msg += " after " + e.After.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout lets callers detect the error through the net.Error style check.
func (e *TimeoutError) Timeout() bool { return true }

// RemoteError carries a failure raised by a remote handler and shipped back in
// the error header of a reply.
type RemoteError struct {
	Subject string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Subject == "" {
		return "natsflow: remote error: " + e.Message
	}
	return fmt.Sprintf("natsflow: remote error from %s: %s", e.Subject, e.Message)
}

// ConfigValidationError reports an invalid Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "natsflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil for a nil err.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// IsTimeout reports whether err is, or wraps, a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return sterrors.As(err, &te)
}

// IsConfiguration reports whether err is, or wraps, a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return sterrors.As(err, &ce)
}

// IsRemote reports whether err is, or wraps, a RemoteError.
func IsRemote(err error) bool {
	var re *RemoteError
	return sterrors.As(err, &re)
}
