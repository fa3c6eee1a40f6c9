package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

type sink struct {
	got []domain.PersistenceEvent
	err error
}

func (s *sink) Enqueue(_ context.Context, evt domain.PersistenceEvent) error {
	s.got = append(s.got, evt)
	return s.err
}

func TestFanout(t *testing.T) {
	ok := &sink{}
	broken := &sink{err: errors.New("broker down")}
	f := NewFanout(ok, nil, broken)
	require.Len(t, f, 2)

	evt := domain.NewEvent(&domain.PositionClosed{UserID: "u", Market: "BTC_USDC"}, time.Now())
	err := f.Enqueue(context.Background(), evt)
	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, ok.got, 1)
	assert.Len(t, broken.got, 1, "later queues still receive the event")

	assert.NoError(t, NewFanout().Enqueue(context.Background(), evt))
}
