package errors

import (
	sterrors "errors"
	"fmt"

	"github.com/drblury/burrow/transport"
)

var (
	ErrConfigRequired      = sterrors.New("burrow: config is required")
	ErrInvalidConfig       = sterrors.New("burrow: invalid config")
	ErrURLRequired         = sterrors.New("burrow: broker URL is required")
	ErrEndpointRequired    = sterrors.New("burrow: endpoint name is required")
	ErrHandlerRequired     = sterrors.New("burrow: handler function is required")
	ErrProvisionRequired   = sterrors.New("burrow: provision is required")
	ErrUnknownPattern      = sterrors.New("burrow: unknown messaging pattern")
	ErrExchangeRequired    = sterrors.New("burrow: exchange could not be determined")
	ErrTopicRequired       = sterrors.New("burrow: topic is required")
	ErrNotConnected        = sterrors.New("burrow: instance is not connected")
	ErrAlreadyInitialized  = sterrors.New("burrow: instance has already been initialized")
	ErrInstanceClosed      = sterrors.New("burrow: instance is closed")
	ErrInstanceKeyRequired = sterrors.New("burrow: instance key is required")
	ErrOwnerRequired       = sterrors.New("burrow: owner id is required")
	ErrUnknownOwner        = sterrors.New("burrow: owner is not attached to instance")
	ErrUnknownInstance     = sterrors.New("burrow: no pooled instance with that key")
	ErrPublishRejected     = sterrors.New("burrow: broker did not accept the publish")
	ErrReplyTimeout        = sterrors.New("burrow: timed out waiting for rpc reply")
	ErrRemoteHandler       = sterrors.New("burrow: remote handler failed")
	ErrServiceUnreachable  = sterrors.New("burrow: broker service unreachable")
	ErrUnknownCodec        = sterrors.New("burrow: unknown codec")
	ErrMessageTypeRequired = sterrors.New("burrow: handler message type is required")
	ErrMessagePointer      = sterrors.New("burrow: handler message type must be a pointer")
)

// OperationError describes a failed invoke, publish or provision call.
type OperationError struct {
	Op       string
	Pattern  string
	Endpoint string
	Err      error
}

func (e *OperationError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("burrow: %s %s failed: %v", e.Pattern, e.Op, e.Err)
	}
	return fmt.Sprintf("burrow: %s %s %q failed: %v", e.Pattern, e.Op, e.Endpoint, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Wrap returns nil for a nil err, otherwise an *OperationError.
func Wrap(pattern, op, endpoint string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Op: op, Pattern: pattern, Endpoint: endpoint, Err: err}
}

const durabilityHint = `this usually means one of:
  - the queue is being invoked with a durability mismatch; pass the opposite
    durability option to invoke (fnf defaults to durable=false)
  - a non-durable queue is being declared where a durable queue with the
    same name already exists
see https://www.rabbitmq.com/queues.html#durability`

// Hint returns operator guidance for well-known broker failures, or "".
func Hint(err error) string {
	if sterrors.Is(err, transport.ErrPreconditionFailed) {
		return durabilityHint
	}
	return ""
}
