package platform

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
)

const edgeCacheSize = 256

// Store is the platform-side persistence surface: edge lookup for the connect
// handshake, activity telemetry and the entity snapshots served to the sync
// process.
type Store struct {
	db        *pgxpool.Pool
	edgeCache *lru.ARCCache
}

func NewStore(db *pgxpool.Pool) (*Store, error) {
	ctx, cncl := context.WithTimeout(context.Background(), 5*time.Second)
	defer cncl()
	for _, table := range []string{"edge", "entity_snapshot", "edge_assignment", "platform_user",
		"edge_attribute", "edge_telemetry", "entity_attribute", "entity_telemetry"} {
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
	edgeCache, err := lru.NewARC(edgeCacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, edgeCache: edgeCache}, nil
}

func (s *Store) FindEdgeByRoutingKey(ctx context.Context, routingKey string) (*shared.Edge, error) {
	if cached, ok := s.edgeCache.Get(routingKey); ok {
		return cached.(*shared.Edge), nil
	}
	var edge shared.Edge
	query := `SELECT id, tenant_id, customer_id, name, type, routing_key, secret FROM edge WHERE routing_key = $1`
	err := s.db.QueryRow(ctx, query, routingKey).
		Scan(&edge.ID, &edge.TenantID, &edge.CustomerID, &edge.Name, &edge.Type, &edge.RoutingKey, &edge.Secret)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrEdgeNotFound
		}
		return nil, err
	}
	s.edgeCache.Add(routingKey, &edge)
	return &edge, nil
}

// InvalidateEdge drops the cached record after a platform-side edge update.
func (s *Store) InvalidateEdge(routingKey string) {
	s.edgeCache.Remove(routingKey)
}

func (s *Store) SaveAttribute(ctx context.Context, tenantID, edgeID uuid.UUID, key string, value any, done func(error)) {
	go func() {
		writeCtx, cncl := context.WithTimeout(context.Background(), 5*time.Second)
		defer cncl()
		payload, err := json.Marshal(value)
		if err != nil {
			done(err)
			return
		}
		query := `INSERT INTO edge_attribute (tenant_id, edge_id, key, value, updated_at) VALUES ($1, $2, $3, $4, $5)
		          ON CONFLICT (edge_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
		_, err = s.db.Exec(writeCtx, query, tenantID, edgeID, key, payload, time.Now())
		done(err)
	}()
}

func (s *Store) SaveTimeseries(ctx context.Context, tenantID, edgeID uuid.UUID, key string, value any, done func(error)) {
	go func() {
		writeCtx, cncl := context.WithTimeout(context.Background(), 5*time.Second)
		defer cncl()
		payload, err := json.Marshal(value)
		if err != nil {
			done(err)
			return
		}
		query := `INSERT INTO edge_telemetry (tenant_id, edge_id, key, value, ts) VALUES ($1, $2, $3, $4, $5)`
		_, err = s.db.Exec(writeCtx, query, tenantID, edgeID, key, payload, time.Now())
		done(err)
	}()
}

// Entities lists tenant-scoped snapshots of one type. System-wide snapshots
// (nil tenant) are included so queues and admin settings replicate too.
func (s *Store) Entities(ctx context.Context, tenantID uuid.UUID, entityType shared.EntityType) ([]shared.EdgeEvent, error) {
	query := `SELECT entity_id, body FROM entity_snapshot
	          WHERE (tenant_id = $1 OR tenant_id = $2) AND entity_type = $3 ORDER BY entity_id`
	rows, err := s.db.Query(ctx, query, tenantID, uuid.Nil, string(entityType))
	if err != nil {
		return nil, err
	}
	return collectSnapshotEvents(rows, tenantID, entityType)
}

func (s *Store) AssignedToEdge(ctx context.Context, edge *shared.Edge, entityType shared.EntityType) ([]shared.EdgeEvent, error) {
	query := `SELECT es.entity_id, es.body FROM entity_snapshot es
	          JOIN edge_assignment ea ON ea.entity_id = es.entity_id AND ea.entity_type = es.entity_type
	          WHERE ea.edge_id = $1 AND es.entity_type = $2 ORDER BY es.entity_id`
	rows, err := s.db.Query(ctx, query, edge.ID, string(entityType))
	if err != nil {
		return nil, err
	}
	events, err := collectSnapshotEvents(rows, edge.TenantID, entityType)
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i].EdgeID = edge.ID
		events[i].Action = shared.ActionAssignedToEdge
	}
	return events, nil
}

// Customer loads one customer snapshot; the public customer when id is nil.
func (s *Store) Customer(ctx context.Context, tenantID uuid.UUID, customerID uuid.UUID) ([]shared.EdgeEvent, error) {
	var rows pgx.Rows
	var err error
	if customerID == uuid.Nil {
		query := `SELECT entity_id, body FROM entity_snapshot
		          WHERE tenant_id = $1 AND entity_type = $2 AND (body ->> 'public')::boolean IS TRUE`
		rows, err = s.db.Query(ctx, query, tenantID, string(shared.EntityCustomer))
	} else {
		query := `SELECT entity_id, body FROM entity_snapshot
		          WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3`
		rows, err = s.db.Query(ctx, query, tenantID, string(shared.EntityCustomer), customerID)
	}
	if err != nil {
		return nil, err
	}
	return collectSnapshotEvents(rows, tenantID, shared.EntityCustomer)
}

func (s *Store) CustomerUsers(ctx context.Context, tenantID uuid.UUID, customerID uuid.UUID) ([]shared.EdgeEvent, error) {
	query := `SELECT id, body FROM platform_user WHERE tenant_id = $1 AND customer_id = $2 ORDER BY id`
	rows, err := s.db.Query(ctx, query, tenantID, customerID)
	if err != nil {
		return nil, err
	}
	return collectSnapshotEvents(rows, tenantID, shared.EntityUser)
}

func (s *Store) TenantAdminUsers(ctx context.Context, tenantID uuid.UUID) ([]shared.EdgeEvent, error) {
	query := `SELECT id, body FROM platform_user WHERE tenant_id = $1 AND authority = 'TENANT_ADMIN' ORDER BY id`
	rows, err := s.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	return collectSnapshotEvents(rows, tenantID, shared.EntityUser)
}

func collectSnapshotEvents(rows pgx.Rows, tenantID uuid.UUID, entityType shared.EntityType) ([]shared.EdgeEvent, error) {
	defer rows.Close()
	var events []shared.EdgeEvent
	now := time.Now()
	for rows.Next() {
		var ev shared.EdgeEvent
		if err := rows.Scan(&ev.EntityID, &ev.Body); err != nil {
			return nil, err
		}
		ev.TenantID = tenantID
		ev.EntityType = entityType
		ev.Action = shared.ActionAdded
		ev.CreatedAt = now
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		zap.S().Warnf("[%s] failed to read %s snapshots: %s", tenantID, entityType, err)
		return nil, err
	}
	return events, nil
}
