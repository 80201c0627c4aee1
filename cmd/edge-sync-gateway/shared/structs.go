package shared

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Edge is the platform-side record of a remote gateway. It is loaded once at
// connect time and cached on the session; updates only arrive through the
// platform-side update path.
type Edge struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenantId"`
	CustomerID uuid.UUID `json:"customerId"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	RoutingKey string    `json:"routingKey"`
	Secret     string    `json:"secret"`
}

type EdgeEventAction string

const (
	ActionAdded             EdgeEventAction = "ADDED"
	ActionUpdated           EdgeEventAction = "UPDATED"
	ActionDeleted           EdgeEventAction = "DELETED"
	ActionAssignedToEdge    EdgeEventAction = "ASSIGNED_TO_EDGE"
	ActionUnassignedFromEdge EdgeEventAction = "UNASSIGNED_FROM_EDGE"
	ActionAttributesUpdated EdgeEventAction = "ATTRIBUTES_UPDATED"
	ActionAttributesDeleted EdgeEventAction = "ATTRIBUTES_DELETED"
	ActionTimeseriesUpdated EdgeEventAction = "TIMESERIES_UPDATED"
	ActionCredentialsUpdated EdgeEventAction = "CREDENTIALS_UPDATED"
	ActionRelationAddOrUpdate EdgeEventAction = "RELATION_ADD_OR_UPDATE"
	ActionRelationDeleted   EdgeEventAction = "RELATION_DELETED"
	ActionRPCCall           EdgeEventAction = "RPC_CALL"
	ActionAlarmAck          EdgeEventAction = "ALARM_ACK"
	ActionAlarmClear        EdgeEventAction = "ALARM_CLEAR"
)

type EntityType string

const (
	EntityTenant               EntityType = "TENANT"
	EntityCustomer             EntityType = "CUSTOMER"
	EntityUser                 EntityType = "USER"
	EntityDevice               EntityType = "DEVICE"
	EntityDeviceProfile        EntityType = "DEVICE_PROFILE"
	EntityAsset                EntityType = "ASSET"
	EntityAssetProfile         EntityType = "ASSET_PROFILE"
	EntityEntityView           EntityType = "ENTITY_VIEW"
	EntityDashboard            EntityType = "DASHBOARD"
	EntityRuleChain            EntityType = "RULE_CHAIN"
	EntityQueue                EntityType = "QUEUE"
	EntityAdminSettings        EntityType = "ADMIN_SETTINGS"
	EntityOAuth2Domain         EntityType = "OAUTH2_DOMAIN"
	EntityWidgetType           EntityType = "WIDGET_TYPE"
	EntityWidgetsBundle        EntityType = "WIDGETS_BUNDLE"
	EntityAlarm                EntityType = "ALARM"
	EntityRelation             EntityType = "RELATION"
	EntityNotificationTemplate EntityType = "NOTIFICATION_TEMPLATE"
	EntityNotificationTarget   EntityType = "NOTIFICATION_TARGET"
	EntityNotificationRule     EntityType = "NOTIFICATION_RULE"
	EntityOTAPackage           EntityType = "OTA_PACKAGE"
	EntityTenantResource       EntityType = "TENANT_RESOURCE"
	EntityCalculatedField      EntityType = "CALCULATED_FIELD"
	EntityAIModel              EntityType = "AI_MODEL"
)

// EdgeEvent is one durable record in the per-edge event log. SeqID is assigned
// by the store and strictly increasing per edge.
type EdgeEvent struct {
	SeqID      int64           `json:"seqId"`
	TenantID   uuid.UUID       `json:"tenantId"`
	EdgeID     uuid.UUID       `json:"edgeId"`
	Action     EdgeEventAction `json:"action"`
	EntityType EntityType      `json:"entityType"`
	EntityID   uuid.UUID       `json:"entityId"`
	Body       json.RawMessage `json:"body,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// SyncRequest asks the session owning an edge to run a full sync. ServiceID
// identifies the requesting node so the response can be routed back.
type SyncRequest struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenantId"`
	EdgeID    uuid.UUID `json:"edgeId"`
	ServiceID string    `json:"serviceId"`
}

type SyncResponse struct {
	RequestID uuid.UUID `json:"requestId"`
	TenantID  uuid.UUID `json:"tenantId"`
	EdgeID    uuid.UUID `json:"edgeId"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
}
