package service

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-whisperd/service"

type instruments struct {
	transcriptions metric.Int64Counter
	inferenceMS    metric.Float64Histogram
	fallbacks      metric.Int64Counter
	waiting        metric.Int64UpDownCounter
	recording      metric.Int64ObservableGauge
}

func newInstruments(recording func() bool, log *slog.Logger) *instruments {
	meter := otel.Meter(instrumentationName)
	m := &instruments{}
	var err error

	if m.transcriptions, err = meter.Int64Counter("whisperd.transcriptions",
		metric.WithDescription("Completed transcription requests by source and outcome")); err != nil {
		log.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if m.inferenceMS, err = meter.Float64Histogram("whisperd.inference.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Wall-clock duration of engine invocations")); err != nil {
		log.Warn("failed to create histogram", slog.String("error", err.Error()))
	}
	if m.fallbacks, err = meter.Int64Counter("whisperd.transcode.fallbacks",
		metric.WithDescription("One-shot requests sent to the engine without transcoding")); err != nil {
		log.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if m.waiting, err = meter.Int64UpDownCounter("whisperd.transcription.waiting",
		metric.WithDescription("Requests queued for the transcription slot")); err != nil {
		log.Warn("failed to create updown counter", slog.String("error", err.Error()))
	}
	if m.recording, err = meter.Int64ObservableGauge("whisperd.recording.active",
		metric.WithDescription("1 while a push-to-talk capture is running"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var v int64
			if recording() {
				v = 1
			}
			o.Observe(v)
			return nil
		})); err != nil {
		log.Warn("failed to create gauge", slog.String("error", err.Error()))
	}
	return m
}

func (m *instruments) recordTranscription(ctx context.Context, source string, kind Kind, inferenceMS float64) {
	outcome := "ok"
	if kind != "" {
		outcome = string(kind)
	}
	attrs := metric.WithAttributes(attribute.String("source", source), attribute.String("outcome", outcome))
	if m.transcriptions != nil {
		m.transcriptions.Add(ctx, 1, attrs)
	}
	if m.inferenceMS != nil && inferenceMS > 0 {
		m.inferenceMS.Record(ctx, inferenceMS, metric.WithAttributes(attribute.String("source", source)))
	}
}

func (m *instruments) recordFallback(ctx context.Context) {
	if m.fallbacks != nil {
		m.fallbacks.Add(ctx, 1)
	}
}

func (m *instruments) addWaiting(ctx context.Context, delta int64) {
	if m.waiting != nil {
		m.waiting.Add(ctx, delta)
	}
}
