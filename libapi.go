package listenable

import (
	"context"

	runtimepkg "github.com/denmarkmeralpis/listenable/internal/runtime"
	configpkg "github.com/denmarkmeralpis/listenable/internal/runtime/config"
	errspkg "github.com/denmarkmeralpis/listenable/internal/runtime/errors"
	idspkg "github.com/denmarkmeralpis/listenable/internal/runtime/ids"
	jsoncodec "github.com/denmarkmeralpis/listenable/internal/runtime/jsoncodec"
	loggingpkg "github.com/denmarkmeralpis/listenable/internal/runtime/logging"
)

type (
	Config                 = configpkg.Config
	OverflowPolicy         = configpkg.OverflowPolicy
	Dispatcher             = runtimepkg.Dispatcher
	DispatcherDependencies = runtimepkg.DispatcherDependencies
	Source                 = runtimepkg.Source
	HookFunc               = runtimepkg.HookFunc
	ResourceScoper         = runtimepkg.ResourceScoper
	CapacityReporter       = runtimepkg.CapacityReporter

	ListenerRegistration = runtimepkg.ListenerRegistration
	Binding              = runtimepkg.Binding
	HandlerFunc          = runtimepkg.HandlerFunc
	DispatchFunc         = runtimepkg.DispatchFunc

	Event      = runtimepkg.Event
	EventKey   = runtimepkg.EventKey
	Invocation = runtimepkg.Invocation

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	DispatchMiddleware     = runtimepkg.DispatchMiddleware

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	HandlerPanicError        = runtimepkg.HandlerPanicError
	UnprocessableEntityError = runtimepkg.UnprocessableEntityError
	ConfigValidationError    = errspkg.ConfigValidationError

	ListenerInfo      = runtimepkg.ListenerInfo
	ListenerStats     = runtimepkg.ListenerStats
	LatencyMetrics    = runtimepkg.LatencyMetrics
	ThroughputMetrics = runtimepkg.ThroughputMetrics
	ResourceUsage     = runtimepkg.ResourceUsage
	ExecutorSnapshot  = runtimepkg.ExecutorSnapshot

	// Dispatch lifecycle hooks
	DispatchContext = runtimepkg.DispatchContext
	DispatchHooks   = runtimepkg.DispatchHooks

	// Dispatch metrics
	DispatchMetrics         = runtimepkg.DispatchMetrics
	DispatchKeyMetrics      = runtimepkg.DispatchKeyMetrics
	DispatchMetricsSnapshot = runtimepkg.DispatchMetricsSnapshot
)

var (
	NewDispatcher    = runtimepkg.NewDispatcher
	TryNewDispatcher = runtimepkg.TryNewDispatcher
	ValidateConfig   = configpkg.ValidateConfig

	RegisterListener = runtimepkg.RegisterListener
	KeyFor           = runtimepkg.KeyFor

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	LogDispatchesMiddleware = runtimepkg.LogDispatchesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Dispatch lifecycle hooks
	DispatchHooksMiddleware = runtimepkg.DispatchHooksMiddleware
	LoggingHooks            = runtimepkg.LoggingHooks
	MetricsHooks            = runtimepkg.MetricsHooks
	AlertingHooks           = runtimepkg.AlertingHooks

	// Dispatch metrics
	NewDispatchMetrics = runtimepkg.NewDispatchMetrics

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrDispatcherRequired = errspkg.ErrDispatcherRequired
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrSourceRequired     = errspkg.ErrSourceRequired
	ErrEntityTypeRequired = errspkg.ErrEntityTypeRequired
	ErrBindingRequired    = errspkg.ErrBindingRequired
	ErrEventNameRequired  = errspkg.ErrEventNameRequired
	ErrEntityNotFound     = errspkg.ErrEntityNotFound
	ErrQueueFull          = errspkg.ErrQueueFull
	ErrExecutorStopped    = errspkg.ErrExecutorStopped

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	CreateULID = idspkg.CreateULID
)

// Lifecycle event names accepted in listener bindings.
const (
	EventCreated = runtimepkg.EventCreated
	EventUpdated = runtimepkg.EventUpdated
	EventDeleted = runtimepkg.EventDeleted
)

// Dispatch modes reported in listener info.
const (
	ModeSync  = runtimepkg.ModeSync
	ModeAsync = runtimepkg.ModeAsync
)

// Overflow policies for a full async queue.
const (
	OverflowInline = configpkg.OverflowInline
	OverflowDrop   = configpkg.OverflowDrop
)

// TypedHandler adapts a handler taking a concrete entity type into a
// HandlerFunc. The returned handler fails with an UnprocessableEntityError
// when the resolved entity has a different dynamic type.
func TypedHandler[T any](handler func(ctx context.Context, entity T) error) HandlerFunc {
	return runtimepkg.TypedHandler(handler)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
