package state

import (
	"context"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
)

// AppendSnapshots records stat samples for their streams and mirrors them.
// Samples for unknown streams are kept; history may outlive the stream map.
func (r *Registry) AppendSnapshots(snaps []domain.StatSnapshot) {
	if len(snaps) == 0 {
		return
	}
	r.mu.Lock()
	for _, snap := range snaps {
		r.stats[snap.StreamID] = append(r.stats[snap.StreamID], snap)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := r.mirror.AppendStreamStats(ctx, snaps); err != nil {
		logging.Op().Warn("stat mirror write failed", "samples", len(snaps), "error", err)
	}
}

// StatsSince returns the in-memory samples for a stream at or after since,
// oldest first. Samples older than the retention window are only in the
// mirror.
func (r *Registry) StatsSince(streamID string, since time.Time) []domain.StatSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.StatSnapshot
	for _, snap := range r.stats[streamID] {
		if snap.Ts.Before(since) {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// PruneStats drops in-memory samples older than before and returns how many
// went away. Streams with no remaining samples lose their history entry.
func (r *Registry) PruneStats(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for id, snaps := range r.stats {
		kept := snaps[:0]
		for _, snap := range snaps {
			if snap.Ts.Before(before) {
				dropped++
				continue
			}
			kept = append(kept, snap)
		}
		if len(kept) == 0 {
			delete(r.stats, id)
			continue
		}
		r.stats[id] = kept
	}
	return dropped
}

// PruneEnded deletes ended streams whose EndedAt is older than before,
// returning the count removed. Started streams are never touched.
func (r *Registry) PruneEnded(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, st := range r.streams {
		if st.Status != domain.StreamEnded || st.EndedAt == nil {
			continue
		}
		if st.EndedAt.Before(before) {
			delete(r.streams, id)
			removed++
		}
	}
	return removed
}
