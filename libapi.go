package burrow

import (
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/burrow/internal/runtime"
	codecpkg "github.com/drblury/burrow/internal/runtime/codec"
	configpkg "github.com/drblury/burrow/internal/runtime/config"
	errspkg "github.com/drblury/burrow/internal/runtime/errors"
	handlerpkg "github.com/drblury/burrow/internal/runtime/handlers"
	idspkg "github.com/drblury/burrow/internal/runtime/ids"
	loggingpkg "github.com/drblury/burrow/internal/runtime/logging"
	metadatapkg "github.com/drblury/burrow/internal/runtime/metadata"
	patternspkg "github.com/drblury/burrow/internal/runtime/patterns"
	"github.com/drblury/burrow/transport"
	_ "github.com/drblury/burrow/transport/transports"
)

type (
	Config = configpkg.Config

	Instance       = runtimepkg.Instance
	Option         = runtimepkg.Option
	InitOption     = runtimepkg.InitOption
	State          = runtimepkg.State
	Prober         = runtimepkg.Prober
	Pool           = runtimepkg.Pool
	PoolOption     = runtimepkg.PoolOption
	Event          = runtimepkg.Event
	EventKind      = runtimepkg.EventKind
	Metrics        = runtimepkg.Metrics
	InstanceStatus = runtimepkg.InstanceStatus
	StatusReport   = runtimepkg.StatusReport
	StatusOptions  = runtimepkg.StatusOptions
	StatusHandler  = runtimepkg.StatusHandler

	Kind          = patternspkg.Kind
	Provision     = patternspkg.Provision
	Options       = patternspkg.Options
	InvokeOption  = patternspkg.InvokeOption
	DeliveryHooks = patternspkg.DeliveryHooks
	DeliveryInfo  = patternspkg.DeliveryInfo
	InvokeInfo    = patternspkg.InvokeInfo
	RPC           = patternspkg.RPC
	FNF           = patternspkg.FNF
	PubSub        = patternspkg.PubSub
	Topic         = patternspkg.Topic
	CTE           = patternspkg.CTE
	ListenOptions = patternspkg.ListenOptions
	ListenHandler = patternspkg.ListenHandler
	Listener      = patternspkg.Listener
	Parser        = patternspkg.Parser

	Handler                    = handlerpkg.Handler
	Message                    = handlerpkg.Message
	TypedHandler[T any, O any] = handlerpkg.TypedHandler[T, O]
	ConsumerHandler[T any]     = handlerpkg.ConsumerHandler[T]
	Middleware                 = handlerpkg.Middleware
	RetryConfig                = handlerpkg.RetryConfig
	Codec                      = codecpkg.Codec
	Metadata                   = metadatapkg.Metadata
	OperationError             = errspkg.OperationError
	LogFields                  = loggingpkg.LogFields
	ServiceLogger              = loggingpkg.ServiceLogger
	TransportConnection        = transport.Connection
	TransportChannel           = transport.Channel
	TransportDialer            = transport.Dialer
	TransportRegistry          = transport.Registry
	TransportCapabilities      = transport.Capabilities
)

const (
	KindRPC    = patternspkg.KindRPC
	KindFNF    = patternspkg.KindFNF
	KindPubSub = patternspkg.KindPubSub
	KindTopic  = patternspkg.KindTopic

	ParserString = patternspkg.ParserString
	ParserJSON   = patternspkg.ParserJSON

	DefaultListenExchange = patternspkg.DefaultListenExchange
	DefaultTopic          = patternspkg.DefaultTopic

	StateIdle            = runtimepkg.StateIdle
	StateAwaitingService = runtimepkg.StateAwaitingService
	StateConnecting      = runtimepkg.StateConnecting
	StateConnected       = runtimepkg.StateConnected
	StateReady           = runtimepkg.StateReady
	StateDisconnecting   = runtimepkg.StateDisconnecting
	StateClosed          = runtimepkg.StateClosed

	EventAwaitingService = runtimepkg.EventAwaitingService
	EventConnected       = runtimepkg.EventConnected
	EventProvisioned     = runtimepkg.EventProvisioned
	EventProvisionFailed = runtimepkg.EventProvisionFailed
	EventFatal           = runtimepkg.EventFatal
	EventDisconnected    = runtimepkg.EventDisconnected
)

var (
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	New                 = runtimepkg.New
	NewPool             = runtimepkg.NewPool
	NewOwnerID          = runtimepkg.NewOwnerID
	NewMetrics          = runtimepkg.NewMetrics
	NewStatusHandler    = runtimepkg.NewStatusHandler
	NewStatusMux        = runtimepkg.NewStatusMux
	WithProvisions      = runtimepkg.WithProvisions
	WithLogger          = runtimepkg.WithLogger
	WithName            = runtimepkg.WithName
	WithProber          = runtimepkg.WithProber
	WithTransports      = runtimepkg.WithTransports
	WithFatalHandler    = runtimepkg.WithFatalHandler
	WithHooks           = runtimepkg.WithHooks
	WithMetrics         = runtimepkg.WithMetrics
	WithRegisterer      = runtimepkg.WithRegisterer
	WithCodec           = runtimepkg.WithCodec
	WithURL             = runtimepkg.WithURL
	WithExchange        = runtimepkg.WithExchange
	WithPoolLogger      = runtimepkg.WithPoolLogger
	WithInstanceOptions = runtimepkg.WithInstanceOptions

	NewProvision = patternspkg.NewProvision
	ParseKind    = patternspkg.ParseKind
	WithDurable  = patternspkg.WithDurable
	Bool         = patternspkg.Bool
	LoggingHooks = patternspkg.LoggingHooks

	Chain         = handlerpkg.Chain
	CorrelationID = handlerpkg.CorrelationID
	LogMessages   = handlerpkg.LogMessages
	Timeout       = handlerpkg.Timeout
	Retry         = handlerpkg.Retry

	LookupCodec = codecpkg.Lookup
	Marshal     = codecpkg.Marshal
	Unmarshal   = codecpkg.Unmarshal

	Hint = errspkg.Hint

	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrInvalidConfig       = errspkg.ErrInvalidConfig
	ErrURLRequired         = errspkg.ErrURLRequired
	ErrEndpointRequired    = errspkg.ErrEndpointRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrUnknownPattern      = errspkg.ErrUnknownPattern
	ErrExchangeRequired    = errspkg.ErrExchangeRequired
	ErrTopicRequired       = errspkg.ErrTopicRequired
	ErrNotConnected        = errspkg.ErrNotConnected
	ErrAlreadyInitialized  = errspkg.ErrAlreadyInitialized
	ErrInstanceKeyRequired = errspkg.ErrInstanceKeyRequired
	ErrOwnerRequired       = errspkg.ErrOwnerRequired
	ErrUnknownOwner        = errspkg.ErrUnknownOwner
	ErrUnknownInstance     = errspkg.ErrUnknownInstance
	ErrPublishRejected     = errspkg.ErrPublishRejected
	ErrReplyTimeout        = errspkg.ErrReplyTimeout
	ErrRemoteHandler       = errspkg.ErrRemoteHandler
	ErrServiceUnreachable  = errspkg.ErrServiceUnreachable
	ErrPreconditionFailed  = transport.ErrPreconditionFailed

	RegisterTransport                 = transport.Register
	RegisterTransportWithCapabilities = transport.RegisterWithCapabilities
	TransportCapabilitiesOf           = transport.GetCapabilities

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Typed adapts fn into a Handler decoding the body into T.
func Typed[T any, O any](fn TypedHandler[T, O]) (Handler, error) {
	return handlerpkg.Typed(fn)
}

// Consumer adapts fn into a Handler for patterns that never reply.
func Consumer[T any](fn ConsumerHandler[T]) (Handler, error) {
	return handlerpkg.Consumer(fn)
}

func MustTyped[T any, O any](fn TypedHandler[T, O]) Handler {
	return handlerpkg.MustTyped(fn)
}

// ProtoHandler adapts fn into a Handler decoding the body into a clone of
// prototype.
func ProtoHandler[T proto.Message, O any](prototype T, fn TypedHandler[T, O]) (Handler, error) {
	return handlerpkg.Proto(prototype, fn)
}

// MustProvision is NewProvision that panics on invalid input. Meant for
// package-level endpoint tables.
func MustProvision(kind Kind, endpoint string, handler Handler, opts Options) *Provision {
	p, err := patternspkg.NewProvision(kind, endpoint, handler, opts)
	if err != nil {
		panic(err)
	}
	return p
}
