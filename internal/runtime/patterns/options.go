package patterns

import "strings"

// DefaultTopic is bound when a topic endpoint names no topic.
const DefaultTopic = "*"

// Options tunes how an endpoint is declared on the broker. The zero value
// gives each pattern its defaults.
type Options struct {
	// Durable declares the queue (rpc, fnf) or exchange (pubsub, topic) as
	// durable. Defaults to false.
	Durable bool
	// Exclusive overrides the exclusivity of the anonymous subscriber queue
	// of pubsub and topic endpoints. Defaults to true.
	Exclusive *bool
	// Exchange overrides the instance default exchange.
	Exchange string
	// Topic is the binding pattern of a topic endpoint.
	Topic string
	// Subscribe is shorthand for Exchange and Topic as "exchange:topic". It
	// wins over both when set.
	Subscribe string
}

// Bool returns a pointer to v, for Options.Exclusive.
func Bool(v bool) *bool {
	return &v
}

func (o Options) exclusive() bool {
	if o.Exclusive == nil {
		return true
	}
	return *o.Exclusive
}

// subscription resolves the exchange and binding pattern of a topic endpoint.
func (o Options) subscription() (exchange, topic string) {
	exchange, topic = o.Exchange, o.Topic
	if o.Subscribe != "" {
		ex, tp, _ := strings.Cut(o.Subscribe, ":")
		exchange, topic = ex, tp
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return exchange, topic
}
