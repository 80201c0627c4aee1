package shared

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrEdgeNotFound = errors.New("edge not found")

// Attribute keys recorded on connect/disconnect.
const (
	AttrActivityState      = "active"
	AttrLastConnectTime    = "lastConnectTime"
	AttrLastDisconnectTime = "lastDisconnectTime"
	AttrEdgeVersion        = "edgeVersion"
)

// EdgeService resolves edges during the connect handshake.
type EdgeService interface {
	FindEdgeByRoutingKey(ctx context.Context, routingKey string) (*Edge, error)
}

// Telemetry persists edge activity state. The callback fires once the write
// completed; it must never block the caller.
type Telemetry interface {
	SaveAttribute(ctx context.Context, tenantID, edgeID uuid.UUID, key string, value any, done func(error))
	SaveTimeseries(ctx context.Context, tenantID, edgeID uuid.UUID, key string, value any, done func(error))
}

// ConnectionTrigger and CommunicationFailureTrigger are the two rule-engine
// trigger events this core emits.
type ConnectionTrigger struct {
	TenantID   uuid.UUID `json:"tenantId"`
	CustomerID uuid.UUID `json:"customerId"`
	EdgeID     uuid.UUID `json:"edgeId"`
	EdgeName   string    `json:"edgeName"`
	Connected  bool      `json:"connected"`
	TS         int64     `json:"ts"`
}

type CommunicationFailureTrigger struct {
	TenantID   uuid.UUID `json:"tenantId"`
	CustomerID uuid.UUID `json:"customerId"`
	EdgeID     uuid.UUID `json:"edgeId"`
	EdgeName   string    `json:"edgeName"`
	FailureMsg string    `json:"failureMsg"`
	Error      string    `json:"error"`
}

type RuleEngine interface {
	ProcessConnection(ctx context.Context, trigger ConnectionTrigger)
	ProcessCommunicationFailure(ctx context.Context, trigger CommunicationFailureTrigger)
}

// ClusterService pushes notifications into the platform's internal routing
// fabric so the node owning an edge session picks them up.
type ClusterService interface {
	OnEdgeEventUpdate(ctx context.Context, tenantID, edgeID uuid.UUID)
	PushSyncRequest(ctx context.Context, req SyncRequest)
	PushSyncResponse(ctx context.Context, resp SyncResponse, serviceID string)
}
