// Package patterns implements the messaging patterns burrow provisions on a
// broker: request/reply (rpc), fire-and-forget (fnf), fan-out (pubsub) and
// topic routing (topic), plus the legacy CTE helper.
package patterns

import (
	"fmt"
	"strings"

	errspkg "github.com/drblury/burrow/internal/runtime/errors"
)

// Kind selects the executor that provisions an endpoint.
type Kind string

const (
	KindRPC    Kind = "rpc"
	KindFNF    Kind = "fnf"
	KindPubSub Kind = "pubsub"
	KindTopic  Kind = "topic"

	// KindCTE labels calls of the legacy CTE helper. It cannot be provisioned.
	KindCTE Kind = "cte"
)

// Kinds lists every provisionable kind.
var Kinds = []Kind{KindRPC, KindFNF, KindPubSub, KindTopic}

// ParseKind accepts the lowercase kind names.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", errspkg.ErrUnknownPattern, s)
	}
	return k, nil
}

// Valid reports whether k names a known pattern.
func (k Kind) Valid() bool {
	switch k {
	case KindRPC, KindFNF, KindPubSub, KindTopic:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	return string(k)
}
