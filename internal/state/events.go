package state

import (
	"context"
	"time"

	"github.com/oriys/quasar/internal/debug"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/observability"
)

// OnStreamStarted applies a started event: the engine is upserted (adopted
// from the event when unknown), the stream is created or replaced under its
// id, and usage timestamps move forward. Replays overwrite; the last event
// for an id wins.
func (r *Registry) OnStreamStarted(ctx context.Context, evt *domain.StreamStartedEvent) (domain.Stream, error) {
	if err := evt.Validate(); err != nil {
		return domain.Stream{}, err
	}

	now := time.Now()
	id := evt.StreamID()
	_, span := observability.StartSpan(ctx, "quasar.stream.start",
		observability.AttrStreamID.String(id),
	)
	defer span.End()

	r.mu.Lock()
	e := r.resolveEngineLocked(evt)
	if prev, ok := r.streams[id]; ok && prev.Status == domain.StreamStarted {
		if prev.ContainerID != e.ContainerID {
			logging.Op().Warn("stream id replayed onto a different engine",
				"stream_id", id, "old_container", prev.ContainerID, "new_container", e.ContainerID)
			delete(r.engineStreams[prev.ContainerID], id)
			if old, ok := r.engines[prev.ContainerID]; ok {
				old.Streams = len(r.engineStreams[prev.ContainerID])
			}
		}
	}
	st := &domain.Stream{
		ID:                id,
		KeyType:           evt.Stream.KeyType,
		Key:               evt.Stream.Key,
		ContainerID:       e.ContainerID,
		PlaybackSessionID: evt.Session.PlaybackSessionID,
		StatURL:           evt.Session.StatURL,
		CommandURL:        evt.Session.CommandURL,
		IsLive:            evt.Session.IsLive != 0,
		StartedAt:         now,
		Status:            domain.StreamStarted,
		Labels:            copyLabels(evt.Labels),
	}
	r.streams[id] = st
	if r.engineStreams[e.ContainerID] == nil {
		r.engineStreams[e.ContainerID] = make(map[string]bool)
	}
	r.engineStreams[e.ContainerID][id] = true
	e.Streams = len(r.engineStreams[e.ContainerID])
	e.LastStreamUsage = now
	e.LastSeen = now
	engineCopy := *e
	streamCopy := *st
	r.mu.Unlock()

	r.mirrorSaveEngine(engineCopy)
	r.mirrorSaveStream(streamCopy)
	r.notifyChange()
	span.SetAttributes(observability.AttrContainerID.String(engineCopy.ContainerID))
	debug.Session("stream_started", id, map[string]any{
		"container_id": engineCopy.ContainerID,
		"key_type":     string(streamCopy.KeyType),
		"is_live":      streamCopy.IsLive,
	})
	return streamCopy, nil
}

// OnStreamEnded flips a stream to ended and notifies the proxies. The bool
// reports whether anything changed: false means the stream was unknown or
// already ended.
func (r *Registry) OnStreamEnded(ctx context.Context, evt *domain.StreamEndedEvent) (domain.Stream, bool, error) {
	if err := evt.Validate(); err != nil {
		return domain.Stream{}, false, err
	}

	now := time.Now()
	ctx, span := observability.StartSpan(ctx, "quasar.stream.end")
	defer span.End()

	r.mu.Lock()
	st := r.resolveStreamLocked(evt)
	if st == nil {
		r.mu.Unlock()
		return domain.Stream{}, false, nil
	}
	if st.Status == domain.StreamEnded {
		ended := *st
		r.mu.Unlock()
		return ended, false, nil
	}
	st.Status = domain.StreamEnded
	endedAt := now
	st.EndedAt = &endedAt
	delete(r.engineStreams[st.ContainerID], st.ID)
	var engineCopy *domain.Engine
	if e, ok := r.engines[st.ContainerID]; ok {
		e.Streams = len(r.engineStreams[st.ContainerID])
		e.LastStreamUsage = now
		e.LastSeen = now
		cp := *e
		engineCopy = &cp
	}
	streamCopy := *st
	r.mu.Unlock()

	span.SetAttributes(observability.AttrStreamID.String(streamCopy.ID))
	r.notifyProxies(ctx, streamCopy.Key)
	r.mirrorSaveStream(streamCopy)
	if engineCopy != nil {
		r.mirrorSaveEngine(*engineCopy)
	}
	r.notifyChange()
	debug.Session("stream_ended", streamCopy.ID, map[string]any{
		"container_id": streamCopy.ContainerID,
		"reason":       evt.Reason,
	})
	return streamCopy, true, nil
}

// resolveEngineLocked finds the engine a started event belongs to, adopting
// an entry for engines the registry has never seen. Adopted engines carry
// the host:port as their id when the event has no container id.
func (r *Registry) resolveEngineLocked(evt *domain.StreamStartedEvent) *domain.Engine {
	key := hostPortKey(evt.Engine.Host, evt.Engine.Port)
	if evt.ContainerID != "" {
		if e, ok := r.engines[evt.ContainerID]; ok {
			return e
		}
	}
	if id, ok := r.byHostPort[key]; ok {
		if e, ok := r.engines[id]; ok {
			return e
		}
	}

	id := evt.ContainerID
	if id == "" {
		id = key
	}
	now := time.Now()
	e := &domain.Engine{
		ContainerID:  id,
		Host:         evt.Engine.Host,
		Port:         evt.Engine.Port,
		Labels:       copyLabels(evt.Labels),
		HealthStatus: domain.HealthUnknown,
		FirstSeen:    now,
		LastSeen:     now,
	}
	r.engines[id] = e
	r.byHostPort[key] = id
	r.engineStreams[id] = make(map[string]bool)
	logging.Op().Info("adopted engine from stream event", "container_id", id, "host", e.Host, "port", e.Port)
	return e
}

// resolveStreamLocked applies the ended-event matching precedence: stream id,
// then stat_url (exact, then host:port), then container id. Address matches
// pick the newest started stream.
func (r *Registry) resolveStreamLocked(evt *domain.StreamEndedEvent) *domain.Stream {
	if evt.StreamID != "" {
		return r.streams[evt.StreamID]
	}
	if evt.StatURL != "" {
		for _, st := range r.streams {
			if st.Status == domain.StreamStarted && st.StatURL == evt.StatURL {
				return st
			}
		}
		if hp := domain.HostPortFromURL(evt.StatURL); hp != "" {
			if id, ok := r.byHostPort[hp]; ok {
				return r.newestStartedLocked(id)
			}
		}
	}
	if evt.ContainerID != "" {
		return r.newestStartedLocked(evt.ContainerID)
	}
	return nil
}

func (r *Registry) newestStartedLocked(containerID string) *domain.Stream {
	var newest *domain.Stream
	for id := range r.engineStreams[containerID] {
		st := r.streams[id]
		if st == nil || st.Status != domain.StreamStarted {
			continue
		}
		if newest == nil || st.StartedAt.After(newest.StartedAt) {
			newest = st
		}
	}
	return newest
}
