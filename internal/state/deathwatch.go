package state

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/quasar/internal/docker"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
)

// EventSource streams container lifecycle events.
type EventSource interface {
	Events(ctx context.Context, labelFilter string) (<-chan docker.ContainerEvent, error)
}

// watchReconnectDelay paces event-stream reconnects after the daemon
// drops the connection.
const watchReconnectDelay = 2 * time.Second

// WatchDeaths removes engines whose containers die outside the control
// plane's own stop path, so a crashed engine disappears from state without
// waiting for a GC cycle. Blocks until ctx ends, reconnecting whenever the
// event stream closes.
func (r *Registry) WatchDeaths(ctx context.Context, src EventSource) {
	for {
		if err := r.consumeEvents(ctx, src); err != nil {
			logging.Op().Warn("container event stream failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(watchReconnectDelay):
		}
	}
}

func (r *Registry) consumeEvents(ctx context.Context, src EventSource) error {
	ch, err := src.Events(ctx, domain.ManagedLabelFilter)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("event stream closed")
			}
			r.handleContainerEvent(ctx, ev)
		}
	}
}

func (r *Registry) handleContainerEvent(ctx context.Context, ev docker.ContainerEvent) {
	switch ev.Action {
	case "die", "stop", "kill", "destroy":
	default:
		return
	}

	removed, err := r.RemoveEngine(ctx, ev.ID)
	if err != nil {
		// Engines we stopped ourselves were already removed; their late
		// events are expected.
		if !errors.Is(err, domain.ErrNotFound) {
			logging.Op().Warn("death watch: engine removal failed", "container_id", ev.ID, "error", err)
		}
		return
	}
	logging.Op().Info("engine container died, removed from state",
		"container_id", removed.ContainerID, "name", removed.ContainerName, "action", ev.Action)
}
