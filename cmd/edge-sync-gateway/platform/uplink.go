package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/edgerpc"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/translator"
)

// NewUplinkDispatcher wires every uplink kind to its platform-side processor.
func NewUplinkDispatcher(store *Store, fabric *Fabric) *translator.Dispatcher {
	d := translator.NewDispatcher(&telemetryProcessor{store: store})
	snapshots := &snapshotProcessor{store: store}
	for _, kind := range []translator.Kind{
		translator.KindDevice,
		translator.KindAsset,
		translator.KindRuleChain,
		translator.KindRelation,
		translator.KindAlarm,
		translator.KindDashboard,
		translator.KindResource,
		translator.KindCalculatedField,
		translator.KindAIModel,
	} {
		d.Register(kind, snapshots)
	}
	d.Register(translator.KindUser, &userProcessor{store: store})
	d.Register(translator.KindUserCredentials, &userCredentialsProcessor{store: store})
	d.Register(translator.KindRPCCall, &rpcProcessor{fabric: fabric})
	return d
}

// snapshotProcessor mirrors entity mutations reported by the edge into the
// snapshot table the sync process reads from.
type snapshotProcessor struct {
	store *Store
}

func (p *snapshotProcessor) Process(ctx context.Context, edge *shared.Edge, update edgerpc.EntityUpdateMsg) error {
	switch update.Action {
	case shared.ActionDeleted, shared.ActionRelationDeleted:
		query := `DELETE FROM entity_snapshot WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3`
		_, err := p.store.db.Exec(ctx, query, edge.TenantID, string(update.EntityType), update.EntityID)
		return err
	default:
		query := `INSERT INTO entity_snapshot (tenant_id, entity_type, entity_id, body, updated_at) VALUES ($1, $2, $3, $4, $5)
		          ON CONFLICT (tenant_id, entity_type, entity_id) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`
		_, err := p.store.db.Exec(ctx, query, edge.TenantID, string(update.EntityType), update.EntityID, update.Body, time.Now())
		return err
	}
}

type userProcessor struct {
	store *Store
}

func (p *userProcessor) Process(ctx context.Context, edge *shared.Edge, update edgerpc.EntityUpdateMsg) error {
	if update.Action == shared.ActionDeleted {
		_, err := p.store.db.Exec(ctx, `DELETE FROM platform_user WHERE tenant_id = $1 AND id = $2`, edge.TenantID, update.EntityID)
		return err
	}
	var fields struct {
		CustomerID *string `json:"customerId"`
		Authority  string  `json:"authority"`
	}
	if err := json.Unmarshal(update.Body, &fields); err != nil {
		return fmt.Errorf("malformed user body: %w", err)
	}
	query := `INSERT INTO platform_user (id, tenant_id, customer_id, authority, body) VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (id) DO UPDATE SET customer_id = EXCLUDED.customer_id, authority = EXCLUDED.authority, body = EXCLUDED.body`
	_, err := p.store.db.Exec(ctx, query, update.EntityID, edge.TenantID, fields.CustomerID, fields.Authority, update.Body)
	return err
}

// userCredentialsProcessor updates the credentials part of an existing user
// record. It runs strictly after the user update of the same batch.
type userCredentialsProcessor struct {
	store *Store
}

func (p *userCredentialsProcessor) Process(ctx context.Context, edge *shared.Edge, update edgerpc.EntityUpdateMsg) error {
	query := `UPDATE platform_user SET body = jsonb_set(body, '{credentials}', $3) WHERE tenant_id = $1 AND id = $2`
	tag, err := p.store.db.Exec(ctx, query, edge.TenantID, update.EntityID, update.Body)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credentials update for unknown user %s", update.EntityID)
	}
	return nil
}

// telemetryProcessor persists uplink telemetry and attribute payloads.
type telemetryProcessor struct {
	store *Store
}

func (p *telemetryProcessor) Process(ctx context.Context, edge *shared.Edge, data edgerpc.EntityDataMsg) error {
	if len(data.PostTelemetry) > 0 {
		query := `INSERT INTO entity_telemetry (tenant_id, entity_type, entity_id, payload, ts) VALUES ($1, $2, $3, $4, $5)`
		if _, err := p.store.db.Exec(ctx, query,
			edge.TenantID, string(data.EntityType), data.EntityID, data.PostTelemetry, time.Now()); err != nil {
			return err
		}
	}
	if len(data.PostAttributes) > 0 {
		scope := data.AttributeScope
		if scope == "" {
			scope = "SERVER_SCOPE"
		}
		query := `INSERT INTO entity_attribute (tenant_id, entity_type, entity_id, scope, payload, updated_at) VALUES ($1, $2, $3, $4, $5, $6)
		          ON CONFLICT (entity_id, scope) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`
		if _, err := p.store.db.Exec(ctx, query,
			edge.TenantID, string(data.EntityType), data.EntityID, scope, data.PostAttributes, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

// rpcProcessor forwards device RPC responses back into the rule engine.
type rpcProcessor struct {
	fabric *Fabric
}

func (p *rpcProcessor) Process(ctx context.Context, edge *shared.Edge, update edgerpc.EntityUpdateMsg) error {
	err := p.fabric.publish(ruleEngineTopic, update.EntityID, ruleEngineTrigger{
		Type: "EDGE_RPC_RESPONSE",
		RPCResponse: &rpcResponse{
			TenantID: edge.TenantID,
			EdgeID:   edge.ID,
			EntityID: update.EntityID,
			Body:     update.Body,
		},
	})
	if err != nil {
		zap.S().Warnf("[%s][%s] failed to forward rpc response for %s: %s", edge.TenantID, edge.ID, update.EntityID, err)
	}
	return err
}
