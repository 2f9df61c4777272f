package propagation

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"makerhub/backend/internal/domain"
	"makerhub/backend/internal/metrics"
)

type Sink struct {
	Name      string
	Publisher Publisher
}

// Fanout publishes to every sink concurrently. A failing sink is logged and
// counted; the committed mutation that produced the events is never failed.
type Fanout struct {
	origin string
	sinks  []Sink
	logger *zap.Logger
}

func NewFanout(origin string, logger *zap.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	kept := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink.Publisher != nil {
			kept = append(kept, sink)
		}
	}
	return &Fanout{origin: origin, sinks: kept, logger: logger.Named("fanout")}
}

func (f *Fanout) Publish(ctx context.Context, events []domain.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	events = Stamp(events, f.origin)

	var g errgroup.Group
	for _, sink := range f.sinks {
		batch := append([]domain.ChangeEvent(nil), events...)
		g.Go(func() error {
			if err := sink.Publisher.Publish(ctx, batch); err != nil {
				metrics.RecordChangePublishFailure(sink.Name, len(batch))
				f.logger.Warn("change publish failed",
					zap.String("sink", sink.Name),
					zap.Int("events", len(batch)),
					zap.Error(err),
				)
				return nil
			}
			metrics.RecordChangePublished(sink.Name, len(batch))
			return nil
		})
	}
	return g.Wait()
}
