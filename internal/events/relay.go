package events

import (
	"context"
	"time"

	"github.com/airgap/maude-sub003/pkg/models"
)

// RelayOptions configures Relay.
type RelayOptions struct {
	// Heartbeat is the interval between heartbeat events (models.DefaultHeartbeatSec if zero).
	Heartbeat time.Duration
	// StopOnDone ends the relay after forwarding a loop_done event.
	StopOnDone bool
	// Ended is polled on every heartbeat. When it reports done, events still queued on the
	// subscription are forwarded, then final is emitted and the relay returns. It covers a
	// loop_done that was dropped on a full subscription buffer.
	Ended func(ctx context.Context) (final []models.LoopEvent, done bool, err error)
}

// Relay forwards events from sub to emit, interleaving heartbeat events, until ctx is done,
// the subscription is closed, emit fails, Ended reports done, or (with StopOnDone) loop_done
// was forwarded.
// The subscription is not unsubscribed by Relay.
func Relay(ctx context.Context, sub *Subscription, opts RelayOptions, emit func(models.LoopEvent) error) error {
	interval := opts.Heartbeat
	if interval <= 0 {
		interval = time.Duration(models.DefaultHeartbeatSec) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	loopID := sub.LoopID()
	if loopID == Wildcard {
		loopID = ""
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			if err := emit(models.LoopEvent{Type: models.EventHeartbeat, LoopID: loopID, Timestamp: t.UTC()}); err != nil {
				return err
			}
			if opts.Ended == nil {
				continue
			}
			final, done, err := opts.Ended(ctx)
			if err != nil {
				return err
			}
			if done {
				return flush(sub, final, emit)
			}
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := emit(ev); err != nil {
				return err
			}
			if opts.StopOnDone && ev.Type == models.EventLoopDone {
				return nil
			}
		}
	}
}

// flush forwards what is already queued on sub, then emits the events of final whose type was
// not among the queued ones. Nothing of final is emitted if loop_done was queued.
func flush(sub *Subscription, final []models.LoopEvent, emit func(models.LoopEvent) error) error {
	seen := map[string]bool{}
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := emit(ev); err != nil {
				return err
			}
			if ev.Type == models.EventLoopDone {
				return nil
			}
			seen[ev.Type] = true
		default:
			for _, ev := range final {
				if seen[ev.Type] {
					continue
				}
				if err := emit(ev); err != nil {
					return err
				}
			}
			return nil
		}
	}
}
