package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oriys/quasar/internal/domain"
)

func (s *PostgresStore) SaveEngine(ctx context.Context, e *domain.Engine) error {
	if e.ContainerID == "" {
		return fmt.Errorf("engine container id is required")
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO engines (container_id, vpn_container, host_http_port, forwarded, data, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		ON CONFLICT (container_id) DO UPDATE SET
			vpn_container = EXCLUDED.vpn_container,
			host_http_port = EXCLUDED.host_http_port,
			forwarded = EXCLUDED.forwarded,
			data = EXCLUDED.data,
			last_seen = EXCLUDED.last_seen
	`, e.ContainerID, e.VPNContainer, e.Port, e.Forwarded, data, e.FirstSeen, e.LastSeen)
	if err != nil {
		return fmt.Errorf("save engine: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteEngine(ctx context.Context, containerID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM engines WHERE container_id = $1`, containerID)
	if err != nil {
		return fmt.Errorf("delete engine: %w", err)
	}
	return nil
}
