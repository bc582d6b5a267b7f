package runtime

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/burrow/internal/runtime/codec"
	idspkg "github.com/drblury/burrow/internal/runtime/ids"
	loggingpkg "github.com/drblury/burrow/internal/runtime/logging"
)

const (
	lifecycleTopic = "burrow.lifecycle"
	// sequenceKey numbers bus messages from 1. The gochannel pubsub hands
	// stored and live messages to a subscriber on separate goroutines, so
	// subscribe restores publish order from it.
	sequenceKey = "burrow_seq"
)

// EventKind names a lifecycle transition of an Instance.
type EventKind string

const (
	EventAwaitingService EventKind = "awaiting_service"
	EventConnected       EventKind = "connected"
	EventProvisioned     EventKind = "provisioned"
	EventProvisionFailed EventKind = "provision_failed"
	EventFatal           EventKind = "fatal"
	EventDisconnected    EventKind = "disconnected"
)

// Event is one lifecycle notification. Endpoint and Pattern are set for the
// provisioning events only.
type Event struct {
	Kind     EventKind `json:"kind"`
	Instance string    `json:"instance"`
	State    string    `json:"state"`
	Pattern  string    `json:"pattern,omitempty"`
	Endpoint string    `json:"endpoint,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

var (
	GoChannelFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
		return gochannel.NewGoChannel(cfg, logger)
	}
	AmqpConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return amqp.NewConnection(cfg, logger)
	}
	AmqpPublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
		return amqp.NewPublisherWithConnection(cfg, logger, conn)
	}
	closeAmqpConnection = func(conn *amqp.ConnectionWrapper) error {
		return conn.Close()
	}
)

// lifecycleBus fans lifecycle events out to in-process observers. The
// gochannel pubsub is persistent so late subscribers see the full history.
// Events can additionally be mirrored to a fanout exchange on the broker.
type lifecycleBus struct {
	logger   loggingpkg.ServiceLogger
	wmLogger watermill.LoggerAdapter
	pubsub   *gochannel.GoChannel

	publishMu sync.Mutex
	seq       uint64

	mu          sync.Mutex
	mirror      message.Publisher
	mirrorConn  *amqp.ConnectionWrapper
	mirrorTopic string
}

func newLifecycleBus(logger loggingpkg.ServiceLogger) *lifecycleBus {
	wmLogger := loggingpkg.NewWatermillAdapter(logger)
	return &lifecycleBus{
		logger:   logger,
		wmLogger: wmLogger,
		pubsub: GoChannelFactory(gochannel.Config{
			OutputChannelBuffer: 64,
			Persistent:          true,
		}, wmLogger),
	}
}

// attachMirror starts copying events to exchange on the broker at url.
func (b *lifecycleBus) attachMirror(url, exchange string) error {
	amqpConfig := amqp.NewDurablePubSubConfig(url, nil)
	conn, err := AmqpConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, b.wmLogger)
	if err != nil {
		return err
	}
	publisher, err := AmqpPublisherFactory(amqpConfig, b.wmLogger, conn)
	if err != nil {
		if cerr := closeAmqpConnection(conn); cerr != nil {
			b.logger.Debug("Closing mirror connection failed", loggingpkg.LogFields{"error": cerr.Error()})
		}
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = publisher
	b.mirrorConn = conn
	b.mirrorTopic = exchange
	return nil
}

func (b *lifecycleBus) publish(ev Event) {
	payload, err := codec.Marshal(ev)
	if err != nil {
		b.logger.Error("Encoding lifecycle event failed", err, nil)
		return
	}

	b.publishMu.Lock()
	b.seq++
	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata.Set(sequenceKey, strconv.FormatUint(b.seq, 10))
	if err := b.pubsub.Publish(lifecycleTopic, msg); err != nil {
		b.logger.Debug("Lifecycle event dropped", loggingpkg.LogFields{"kind": string(ev.Kind), "error": err.Error()})
	}
	b.publishMu.Unlock()

	b.mu.Lock()
	mirror, topic := b.mirror, b.mirrorTopic
	b.mu.Unlock()
	if mirror == nil {
		return
	}
	if err := mirror.Publish(topic, message.NewMessage(idspkg.CreateULID(), payload)); err != nil {
		b.logger.Warn("Mirroring lifecycle event failed", loggingpkg.LogFields{
			"kind":     string(ev.Kind),
			"exchange": topic,
			"error":    err.Error(),
		})
	}
}

// subscribe replays every past event and then follows new ones until ctx
// ends. Events arrive in publish order.
func (b *lifecycleBus) subscribe(ctx context.Context) (<-chan Event, error) {
	messages, err := b.pubsub.Subscribe(ctx, lifecycleTopic)
	if err != nil {
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		next := uint64(1)
		pending := map[uint64]*message.Message{}
		for msg := range messages {
			seq, err := strconv.ParseUint(msg.Metadata.Get(sequenceKey), 10, 64)
			msg.Ack()
			if err != nil || seq < next {
				continue
			}
			pending[seq] = msg

			for {
				ready, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++

				var ev Event
				if err := codec.Unmarshal(ready.Payload, &ev); err != nil {
					b.logger.Error("Decoding lifecycle event failed", err, nil)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// closeMirror stops mirroring. The in-process bus stays open for replay.
func (b *lifecycleBus) closeMirror() error {
	b.mu.Lock()
	mirror, conn := b.mirror, b.mirrorConn
	b.mirror, b.mirrorConn = nil, nil
	b.mu.Unlock()
	if mirror == nil {
		return nil
	}
	// A publisher on a shared connection leaves the connection open.
	err := mirror.Close()
	if conn != nil {
		err = errors.Join(err, closeAmqpConnection(conn))
	}
	return err
}
