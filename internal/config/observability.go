package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/crossfed-io/crossfed/internal/probe"
	"github.com/crossfed-io/crossfed/internal/service"
)

// levelDisabled sits above every real level, silencing an event class.
const levelDisabled = slog.Level(1000)

// NewObserver creates an application observer from configuration with its
// own logger.
func NewObserver(cfg *ObservabilityConfig) (service.ApplicationObserver, error) {
	return NewObserverWithLogger(cfg, NewLogger(cfg))
}

// NewObserverWithLogger creates an application observer sharing the given
// logger. Nil config yields a no-op observer.
func NewObserverWithLogger(cfg *ObservabilityConfig, logger *slog.Logger) (service.ApplicationObserver, error) {
	if cfg == nil {
		return &service.NoOpApplicationObserver{}, nil
	}

	switch cfg.Type {
	case "logging":
		return probe.NewLoggingObserverWithConfig(probe.LoggingObserverConfig{
			Logger: logger,
		}), nil
	case "noop", "":
		return &service.NoOpApplicationObserver{}, nil
	case "composite":
		return newCompositeObserver(cfg)
	default:
		return nil, fmt.Errorf("unknown observability type: %s (supported: logging, noop, composite)", cfg.Type)
	}
}

// NewLogger creates a structured logger from the observability
// configuration. Nil config yields slog.Default().
func NewLogger(cfg *ObservabilityConfig) *slog.Logger {
	if cfg == nil {
		return slog.Default()
	}

	defaultLevel := parseLogLevel(cfg.LogLevel)
	handler := createEventFilteringHandler(cfg, defaultLevel)
	return slog.New(handler)
}

func newCompositeObserver(cfg *ObservabilityConfig) (service.ApplicationObserver, error) {
	if len(cfg.Observers) == 0 {
		return nil, fmt.Errorf("composite observer requires at least one sub-observer")
	}

	var observers []service.ApplicationObserver
	for i, subCfg := range cfg.Observers {
		observer, err := NewObserver(&subCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create observer %d: %w", i, err)
		}
		observers = append(observers, observer)
	}

	return service.NewCompositeObserver(observers...), nil
}

// createEventFilteringHandler wires per-event level overrides over the base
// handler. Events without an override use the default level.
func createEventFilteringHandler(cfg *ObservabilityConfig, defaultLevel slog.Level) slog.Handler {
	baseHandler := createHandler(cfg.LogFormat, defaultLevel)

	eventLevels := make(map[string]slog.Level)
	for eventName, eventCfg := range map[string]*EventConfig{
		"token_issuance": cfg.TokenIssuance,
		"token_exchange": cfg.TokenExchange,
		"authz_check":    cfg.AuthzCheck,
	} {
		if eventCfg == nil {
			continue
		}
		if eventCfg.Enabled != nil && !*eventCfg.Enabled {
			eventLevels[eventName] = levelDisabled
		} else if eventCfg.LogLevel != "" {
			eventLevels[eventName] = parseLogLevel(eventCfg.LogLevel)
		}
	}

	return &eventFilteringHandler{
		next:         baseHandler,
		eventLevels:  eventLevels,
		defaultLevel: defaultLevel,
	}
}

// eventFilteringHandler drops records whose "event" attribute carries a
// level below that event's configured threshold.
type eventFilteringHandler struct {
	next         slog.Handler
	eventLevels  map[string]slog.Level
	defaultLevel slog.Level
}

func (h *eventFilteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	// Event attributes are only visible in Handle; the coarse check here
	// uses the default level.
	return level >= h.defaultLevel
}

func (h *eventFilteringHandler) Handle(ctx context.Context, record slog.Record) error {
	var eventName string
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == "event" {
			eventName = attr.Value.String()
			return false
		}
		return true
	})

	if eventName != "" {
		if eventLevel, ok := h.eventLevels[eventName]; ok && record.Level < eventLevel {
			return nil
		}
	}

	return h.next.Handle(ctx, record)
}

func (h *eventFilteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &eventFilteringHandler{
		next:         h.next.WithAttrs(attrs),
		eventLevels:  h.eventLevels,
		defaultLevel: h.defaultLevel,
	}
}

func (h *eventFilteringHandler) WithGroup(name string) slog.Handler {
	return &eventFilteringHandler{
		next:         h.next.WithGroup(name),
		eventLevels:  h.eventLevels,
		defaultLevel: h.defaultLevel,
	}
}

func createHandler(format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(format) {
	case "text":
		return slog.NewTextHandler(os.Stdout, opts)
	default:
		return slog.NewJSONHandler(os.Stdout, opts)
	}
}

func parseLogLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
