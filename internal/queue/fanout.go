// Package queue combines persistence event sinks.
package queue

import (
	"context"
	"errors"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

// Fanout delivers every event to each of its queues in order. All queues are
// attempted; their errors are joined.
type Fanout []domain.EventQueue

// NewFanout drops nil queues.
func NewFanout(queues ...domain.EventQueue) Fanout {
	out := make(Fanout, 0, len(queues))
	for _, q := range queues {
		if q != nil {
			out = append(out, q)
		}
	}
	return out
}

func (f Fanout) Enqueue(ctx context.Context, evt domain.PersistenceEvent) error {
	var errs []error
	for _, q := range f {
		if err := q.Enqueue(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ domain.EventQueue = Fanout(nil)
