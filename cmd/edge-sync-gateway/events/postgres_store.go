package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
)

// PostgresStore is the relational edge event log. seq_id is a bigserial, so
// per-edge read order follows creation order.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) (*PostgresStore, error) {
	ctx, cncl := context.WithTimeout(context.Background(), 5*time.Second)
	defer cncl()
	for _, table := range []string{"edge_event", "edge_event_offset"} {
		var tableName string
		query := `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1`
		err := db.QueryRow(ctx, query, table).Scan(&tableName)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, errors.New("table " + table + " does not exist in the database")
			}
			return nil, err
		}
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Append(ctx context.Context, ev shared.EdgeEvent) error {
	query := `INSERT INTO edge_event (tenant_id, edge_id, action, entity_type, entity_id, body, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.Exec(ctx, query,
		ev.TenantID, ev.EdgeID, string(ev.Action), string(ev.EntityType), ev.EntityID, ev.Body, ev.CreatedAt)
	return err
}

func (s *PostgresStore) ReadPage(ctx context.Context, edgeID uuid.UUID, afterSeq int64, limit int) ([]shared.EdgeEvent, error) {
	query := `SELECT seq_id, tenant_id, edge_id, action, entity_type, entity_id, body, created_at
	          FROM edge_event WHERE edge_id = $1 AND seq_id > $2 ORDER BY seq_id LIMIT $3`
	rows, err := s.db.Query(ctx, query, edgeID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []shared.EdgeEvent
	for rows.Next() {
		var ev shared.EdgeEvent
		var action, entityType string
		if err := rows.Scan(&ev.SeqID, &ev.TenantID, &ev.EdgeID, &action, &entityType, &ev.EntityID, &ev.Body, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Action = shared.EdgeEventAction(action)
		ev.EntityType = shared.EntityType(entityType)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) CommittedSeq(ctx context.Context, edgeID uuid.UUID) (int64, error) {
	var seq int64
	err := s.db.QueryRow(ctx, `SELECT seq_id FROM edge_event_offset WHERE edge_id = $1`, edgeID).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return seq, nil
}

func (s *PostgresStore) Commit(ctx context.Context, edgeID uuid.UUID, seq int64) error {
	query := `INSERT INTO edge_event_offset (edge_id, seq_id) VALUES ($1, $2)
	          ON CONFLICT (edge_id) DO UPDATE SET seq_id = EXCLUDED.seq_id`
	_, err := s.db.Exec(ctx, query, edgeID, seq)
	return err
}

func (s *PostgresStore) DeleteEdge(ctx context.Context, edgeID uuid.UUID) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM edge_event WHERE edge_id = $1`, edgeID); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `DELETE FROM edge_event_offset WHERE edge_id = $1`, edgeID)
	if err != nil {
		zap.S().Errorf("Failed to delete edge event offset for edge %s: %s", edgeID, err)
	}
	return err
}
