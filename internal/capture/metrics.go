package capture

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	transcripts metric.Int64Counter
	debounced   metric.Int64Counter
	errors      metric.Int64Counter
	restarts    metric.Int64Counter
}

func newMetrics(log *slog.Logger) *metrics {
	meter := otel.Meter("github.com/loqalabs/loqa-capture/capture")
	m := &metrics{}
	var err error
	if m.transcripts, err = meter.Int64Counter("loqa.capture.transcripts", metric.WithDescription("Final transcripts forwarded to the callback")); err != nil {
		log.Warn("failed to initialize metric", slog.String("metric", "loqa.capture.transcripts"), slogError(err))
	}
	if m.debounced, err = meter.Int64Counter("loqa.capture.debounced", metric.WithDescription("Final transcripts dropped inside the debounce window")); err != nil {
		log.Warn("failed to initialize metric", slog.String("metric", "loqa.capture.debounced"), slogError(err))
	}
	if m.errors, err = meter.Int64Counter("loqa.capture.errors", metric.WithDescription("Recognition errors by kind")); err != nil {
		log.Warn("failed to initialize metric", slog.String("metric", "loqa.capture.errors"), slogError(err))
	}
	if m.restarts, err = meter.Int64Counter("loqa.capture.restarts", metric.WithDescription("Restarts scheduled after an unexpected session end")); err != nil {
		log.Warn("failed to initialize metric", slog.String("metric", "loqa.capture.restarts"), slogError(err))
	}
	return m
}

func (m *metrics) transcript() { add(m.transcripts) }
func (m *metrics) debounce()   { add(m.debounced) }
func (m *metrics) restart()    { add(m.restarts) }

func (m *metrics) failure(kind string) {
	if m.errors == nil {
		return
	}
	m.errors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func add(c metric.Int64Counter) {
	if c == nil {
		return
	}
	c.Add(context.Background(), 1)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
