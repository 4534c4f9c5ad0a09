package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oriys/quasar/internal/domain"
)

func (s *PostgresStore) SaveStream(ctx context.Context, st *domain.Stream) error {
	if st.ID == "" {
		return fmt.Errorf("stream id is required")
	}

	data, err := json.Marshal(st)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO streams (id, container_id, status, data, started_at, ended_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			container_id = EXCLUDED.container_id,
			status = EXCLUDED.status,
			data = EXCLUDED.data,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at
	`, st.ID, st.ContainerID, st.Status, data, st.StartedAt, st.EndedAt)
	if err != nil {
		return fmt.Errorf("save stream: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendStreamStats(ctx context.Context, snaps []domain.StatSnapshot) error {
	for _, snap := range snaps {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO stream_stats (stream_id, ts, peers, speed_down, speed_up, downloaded, uploaded, live_last, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (stream_id, ts) DO NOTHING
		`, snap.StreamID, snap.Ts, snap.Peers, snap.SpeedDown, snap.SpeedUp, snap.Downloaded, snap.Uploaded, snap.LiveLast, snap.Status)
		if err != nil {
			return fmt.Errorf("append stream stats: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) StreamStats(ctx context.Context, streamID string, since time.Time) ([]domain.StatSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stream_id, ts, peers, speed_down, speed_up, downloaded, uploaded, live_last, status
		FROM stream_stats
		WHERE stream_id = $1 AND ts >= $2
		ORDER BY ts
	`, streamID, since)
	if err != nil {
		return nil, fmt.Errorf("stream stats: %w", err)
	}
	defer rows.Close()

	var snaps []domain.StatSnapshot
	for rows.Next() {
		var snap domain.StatSnapshot
		if err := rows.Scan(&snap.StreamID, &snap.Ts, &snap.Peers, &snap.SpeedDown, &snap.SpeedUp,
			&snap.Downloaded, &snap.Uploaded, &snap.LiveLast, &snap.Status); err != nil {
			return nil, fmt.Errorf("stream stats scan: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stream stats rows: %w", err)
	}
	return snaps, nil
}

func (s *PostgresStore) PruneStreamStats(ctx context.Context, before time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `DELETE FROM stream_stats WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune stream stats: %w", err)
	}
	return ct.RowsAffected(), nil
}
