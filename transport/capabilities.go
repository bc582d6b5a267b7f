package transport

// Capabilities describes the guarantees of a transport backend. Instances
// report them in their status.
type Capabilities struct {
	Name string `json:"name"`

	// PublisherConfirms means Publish waits for the broker to ack or nack.
	// Without it every publish the transport took is reported accepted.
	PublisherConfirms bool `json:"publisher_confirms"`

	// Durable means durable queues and exchanges survive a broker restart.
	Durable bool `json:"durable"`

	// Remote means the broker runs outside the process.
	Remote bool `json:"remote"`

	// MaxQueueBacklog is the number of undelivered messages a queue holds
	// before publishers block (0 = bounded by the broker only).
	MaxQueueBacklog int `json:"max_queue_backlog,omitempty"`
}

var (
	// RabbitMQCapabilities for the AMQP 0-9-1 transport.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		PublisherConfirms: true,
		Durable:           true,
		Remote:            true,
	}

	// MemoryCapabilities for the in-process broker. MaxQueueBacklog tracks
	// memory.QueueBuffer at registration.
	MemoryCapabilities = Capabilities{
		Name: "memory",
	}
)
