package ride

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel/attribute"

	"github.com/user/rideline/internal/protocol"
	"github.com/user/rideline/internal/relay"
)

// DeletionReport describes the outcome of DeleteEvents.
type DeletionReport struct {
	Requested []string `json:"requested"`
	Retried   []string `json:"retried"`
	Remaining []string `json:"remaining"`
}

// DeleteEvents asks relays to delete the given events. Deletion is
// advisory: after the recheck delay the events are queried again and a
// second request is sent for any still visible. Remaining lists what was
// still visible after the retry's recheck.
func (o *Orchestrator) DeleteEvents(ctx context.Context, ids []string, kinds []int) (report DeletionReport, err error) {
	ctx, span := o.startSpan(ctx, "DeleteEvents", attribute.Int("rideline.targets", len(ids)))
	defer func() { endSpan(span, err) }()

	report.Requested = ids
	if len(ids) == 0 {
		return report, nil
	}
	s, err := o.writable(ctx)
	if err != nil {
		return report, err
	}

	send := func(targets []string) error {
		ev, err := protocol.BuildDeletion(ctx, s, protocol.Deletion{Targets: targets, Kinds: kinds})
		if err != nil {
			return err
		}
		o.publish(span, ev)
		return nil
	}
	if err := send(ids); err != nil {
		return report, err
	}

	visible, err := o.recheck(ctx, ids)
	if err != nil || len(visible) == 0 {
		return report, err
	}
	o.logger.Info("deletion not honored yet, retrying", "count", len(visible))
	report.Retried = visible
	if err := send(visible); err != nil {
		return report, err
	}
	report.Remaining, err = o.recheck(ctx, visible)
	return report, err
}

// recheck waits the recheck delay and returns which of ids any connected
// relay still serves.
func (o *Orchestrator) recheck(ctx context.Context, ids []string) ([]string, error) {
	select {
	case <-time.After(o.cfg.DeletionRecheck):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	evs, err := o.queryAll(ctx, nostr.Filters{protocol.IDsFilter(ids)})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(evs))
	for _, ev := range evs {
		seen[ev.ID] = true
	}
	var out []string
	for _, id := range ids {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// SubscribeDeletions streams deletion requests by author for any of
// targets.
func (o *Orchestrator) SubscribeDeletions(author string, targets []string, fn func(*protocol.Deletion)) string {
	return o.subscribe("deletions", nostr.Filters{protocol.DeletionFilter(author, targets)},
		func(ctx context.Context, ev *nostr.Event) error {
			d, err := protocol.ParseDeletion(ev)
			if err != nil {
				o.logger.Debug("deletion dropped", "event_id", ev.ID, "error", err)
				return nil
			}
			fn(d)
			return nil
		})
}

// AwaitDeletion waits up to timeout for author to request deletion of
// target. It returns relay.ErrTimeout if none arrives.
func (o *Orchestrator) AwaitDeletion(ctx context.Context, author, target string, timeout time.Duration) (*protocol.Deletion, error) {
	got := make(chan *protocol.Deletion, 1)
	id := o.SubscribeDeletions(author, []string{target}, func(d *protocol.Deletion) {
		select {
		case got <- d:
		default:
		}
	})
	defer o.Unsubscribe(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d := <-got:
		return d, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: deletion of %s", relay.ErrTimeout, target)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
