package runtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/alexkroman/assembly-notes/internal/events"
)

// metricsObserver counts published events per channel. It rides the same
// observer contract as every other consumer.
type metricsObserver struct {
	published metric.Int64Counter
	segments  metric.Int64Counter
}

func newMetricsObserver() (*metricsObserver, error) {
	meter := otel.Meter("assembly-notes/events")
	published, err := meter.Int64Counter("events_published_total",
		metric.WithDescription("Events published to observers, by channel."))
	if err != nil {
		return nil, err
	}
	segments, err := meter.Int64Counter("transcript_segments_total",
		metric.WithDescription("Committed transcript segments, by source."))
	if err != nil {
		return nil, err
	}
	return &metricsObserver{published: published, segments: segments}, nil
}

func (m *metricsObserver) Alive() bool { return true }

func (m *metricsObserver) Deliver(env events.Envelope) {
	ctx := context.Background()
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", env.Channel)))
	if seg, ok := env.Payload.(events.SegmentPayload); ok {
		m.segments.Add(ctx, 1, metric.WithAttributes(attribute.String("source", string(seg.Source))))
	}
}
