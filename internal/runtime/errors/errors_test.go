package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/drblury/burrow/transport"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrEndpointRequired", ErrEndpointRequired, "burrow: endpoint name is required"},
		{"ErrHandlerRequired", ErrHandlerRequired, "burrow: handler function is required"},
		{"ErrExchangeRequired", ErrExchangeRequired, "burrow: exchange could not be determined"},
		{"ErrNotConnected", ErrNotConnected, "burrow: instance is not connected"},
		{"ErrUnknownOwner", ErrUnknownOwner, "burrow: owner is not attached to instance"},
		{"ErrReplyTimeout", ErrReplyTimeout, "burrow: timed out waiting for rpc reply"},
		{"ErrServiceUnreachable", ErrServiceUnreachable, "burrow: broker service unreachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestOperationError(t *testing.T) {
	inner := errors.New("channel closed")
	err := Wrap("rpc", "invoke", "echo", inner)

	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OperationError, got %T", err)
	}
	if opErr.Pattern != "rpc" || opErr.Op != "invoke" || opErr.Endpoint != "echo" {
		t.Fatalf("unexpected fields: %+v", opErr)
	}
	if !errors.Is(err, inner) {
		t.Fatal("expected wrapped error to unwrap to inner")
	}
	if got := err.Error(); got != `burrow: rpc invoke "echo" failed: channel closed` {
		t.Fatalf("unexpected message %q", got)
	}

	noEndpoint := Wrap("pubsub", "publish", "", inner)
	if got := noEndpoint.Error(); got != "burrow: pubsub publish failed: channel closed" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap("fnf", "invoke", "sink", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestHint(t *testing.T) {
	if Hint(errors.New("boom")) != "" {
		t.Fatal("expected no hint for generic error")
	}
	mismatch := fmt.Errorf("declare queue: %w", transport.ErrPreconditionFailed)
	if Hint(mismatch) == "" {
		t.Fatal("expected durability hint for precondition failures")
	}
}
