package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

const requeueTimeout = 5 * time.Second

// Run consumes commands until ctx is cancelled. Commands come from the
// configured CommandSource and from Submit; both are processed on one
// goroutine. Snapshots are captured every SnapshotInterval and once more on
// shutdown, then written by a separate goroutine.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	inbound := make(chan domain.Command)
	snaps := make(chan []domain.BookSnapshot, 1)

	if e.source != nil {
		g.Go(func() error { return e.pump(ctx, inbound) })
	}
	g.Go(func() error { return e.loop(ctx, inbound, snaps) })
	g.Go(func() error { return e.writeSnapshots(ctx, snaps) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Submit hands cmd to a running engine and waits for the reply. The reply is
// also published on cmd.ClientID.
func (e *Engine) Submit(ctx context.Context, cmd domain.Command) (domain.Reply, error) {
	req := request{cmd: cmd, reply: make(chan domain.Reply, 1)}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return domain.Reply{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r, nil
	case <-ctx.Done():
		return domain.Reply{}, ctx.Err()
	}
}

// pump moves raw commands from the source onto inbound. Undecodable
// commands are logged and counted, never answered. A command popped after
// shutdown began goes back to the source.
func (e *Engine) pump(ctx context.Context, inbound chan<- domain.Command) error {
	for {
		raw, err := e.source.Pop(ctx, e.cfg.PopTimeout)
		switch {
		case ctx.Err() != nil:
			if err == nil && raw != nil {
				e.requeue(ctx, raw)
			}
			return ctx.Err()
		case errors.Is(err, domain.ErrNotFound):
			continue
		case err != nil:
			e.logger.WarnContext(ctx, "engine: pop failed", slog.String("error", err.Error()))
			select {
			case <-time.After(e.cfg.PopTimeout):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		cmd, err := domain.DecodeCommand(raw)
		if err != nil {
			commandsTotal.WithLabelValues("", resultMalformed).Inc()
			e.logger.WarnContext(ctx, "engine: dropping malformed command",
				slog.Int("bytes", len(raw)),
				slog.String("error", err.Error()),
			)
			continue
		}
		select {
		case inbound <- cmd:
		case <-ctx.Done():
			e.requeue(ctx, raw)
			return ctx.Err()
		}
	}
}

func (e *Engine) requeue(ctx context.Context, raw []byte) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()
	if err := e.source.Requeue(ctx, raw); err != nil {
		e.logger.ErrorContext(ctx, "engine: requeue on shutdown failed, command lost",
			slog.Int("bytes", len(raw)),
			slog.String("error", err.Error()),
		)
		return
	}
	e.logger.InfoContext(ctx, "engine: requeued command popped during shutdown")
}

func (e *Engine) loop(ctx context.Context, inbound <-chan domain.Command, snaps chan<- []domain.BookSnapshot) error {
	defer close(snaps)

	var tick <-chan time.Time
	if e.cfg.SnapshotInterval > 0 {
		t := time.NewTicker(e.cfg.SnapshotInterval)
		defer t.Stop()
		tick = t.C
	}

	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			snaps <- e.captureSnapshots()
			return ctx.Err()
		case cmd := <-inbound:
			e.sendReply(work, cmd.ClientID, e.Process(work, cmd))
		case req := <-e.requests:
			reply := e.Process(work, req.cmd)
			e.sendReply(work, req.cmd.ClientID, reply)
			req.reply <- reply
		case <-tick:
			select {
			case snaps <- e.captureSnapshots():
			default:
				e.logger.WarnContext(ctx, "engine: snapshot writer busy, skipping round")
			}
		}
	}
}

// writeSnapshots persists captured rounds until snaps is closed. Writes are
// not cut short by cancellation so the final round on shutdown completes.
func (e *Engine) writeSnapshots(ctx context.Context, snaps <-chan []domain.BookSnapshot) error {
	ctx = context.WithoutCancel(ctx)
	for round := range snaps {
		e.saveSnapshots(ctx, round)
	}
	return nil
}

func (e *Engine) saveSnapshots(ctx context.Context, round []domain.BookSnapshot) {
	if e.snapshots == nil || len(round) == 0 {
		return
	}
	if err := e.snapshots.Save(ctx, round); err != nil {
		snapshotsTotal.WithLabelValues(resultError).Inc()
		e.logger.ErrorContext(ctx, "engine: snapshot save failed", slog.String("error", err.Error()))
		return
	}
	snapshotsTotal.WithLabelValues(resultOK).Inc()
	for _, snap := range round {
		e.enqueue(ctx, &domain.SnapshotSaved{Snapshot: snap})
	}
	e.logger.DebugContext(ctx, "engine: snapshots saved", slog.Int("markets", len(round)))
}

// SaveSnapshots captures and persists every book synchronously. It must not
// be called while Run is active.
func (e *Engine) SaveSnapshots(ctx context.Context) error {
	if e.snapshots == nil {
		return fmt.Errorf("engine: no snapshot store configured")
	}
	round := e.captureSnapshots()
	if err := e.snapshots.Save(ctx, round); err != nil {
		return err
	}
	for _, snap := range round {
		e.enqueue(ctx, &domain.SnapshotSaved{Snapshot: snap})
	}
	return nil
}
