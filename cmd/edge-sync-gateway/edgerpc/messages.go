package edgerpc

import (
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
)

type RequestMsgType string

const (
	ConnectRPCMessage     RequestMsgType = "CONNECT_RPC_MESSAGE"
	UplinkRPCMessage      RequestMsgType = "UPLINK_RPC_MESSAGE"
	SyncRequestRPCMessage RequestMsgType = "SYNC_REQUEST_RPC_MESSAGE"
)

// RequestMsg is the client-to-server envelope of the bidirectional stream.
type RequestMsg struct {
	MsgType          RequestMsgType      `json:"msgType"`
	ConnectRequest   *ConnectRequestMsg  `json:"connectRequestMsg,omitempty"`
	SyncRequest      *SyncRequestMsg     `json:"syncRequestMsg,omitempty"`
	Uplink           *UplinkMsg          `json:"uplinkMsg,omitempty"`
	DownlinkResponse *DownlinkResponseMsg `json:"downlinkResponseMsg,omitempty"`
}

// ResponseMsg is the server-to-client envelope.
type ResponseMsg struct {
	ConnectResponse *ConnectResponseMsg `json:"connectResponseMsg,omitempty"`
	UplinkResponse  *UplinkResponseMsg  `json:"uplinkResponseMsg,omitempty"`
	Downlink        *DownlinkMsg        `json:"downlinkMsg,omitempty"`
}

type ConnectRequestMsg struct {
	EdgeRoutingKey        string `json:"edgeRoutingKey"`
	EdgeSecret            string `json:"edgeSecret"`
	EdgeVersion           string `json:"edgeVersion"`
	MaxInboundMessageSize int    `json:"maxInboundMessageSize,omitempty"`
}

type ConnectResponseCode string

const (
	ConnectAccepted          ConnectResponseCode = "ACCEPTED"
	ConnectBadCredentials    ConnectResponseCode = "BAD_CREDENTIALS"
	ConnectServerUnavailable ConnectResponseCode = "SERVER_UNAVAILABLE"
)

type ConnectResponseMsg struct {
	ResponseCode          ConnectResponseCode `json:"responseCode"`
	ErrorMsg              string              `json:"errorMsg,omitempty"`
	Configuration         *EdgeConfiguration  `json:"configuration,omitempty"`
	MaxInboundMessageSize int                 `json:"maxInboundMessageSize,omitempty"`
}

// EdgeConfiguration is the configuration payload pushed on connect and on
// platform-side edge updates.
type EdgeConfiguration struct {
	EdgeID     uuid.UUID `json:"edgeId"`
	TenantID   uuid.UUID `json:"tenantId"`
	CustomerID uuid.UUID `json:"customerId"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	RoutingKey string    `json:"routingKey"`
}

type SyncRequestMsg struct {
	FullSync bool `json:"fullSync"`
}

type SyncCompletedMsg struct{}

// EntityUpdateMsg is the generic envelope for one entity mutation in either
// direction. The per-entity-type payload stays opaque to this core.
type EntityUpdateMsg struct {
	EntityType shared.EntityType      `json:"entityType"`
	Action     shared.EdgeEventAction `json:"action"`
	EntityID   uuid.UUID              `json:"entityId"`
	Body       json.RawMessage        `json:"body,omitempty"`
}

// EntityDataMsg carries telemetry or attribute payloads.
type EntityDataMsg struct {
	EntityType     shared.EntityType `json:"entityType"`
	EntityID       uuid.UUID         `json:"entityId"`
	PostTelemetry  json.RawMessage   `json:"postTelemetry,omitempty"`
	PostAttributes json.RawMessage   `json:"postAttributes,omitempty"`
	AttributeScope string            `json:"attributeScope,omitempty"`
}

// DownlinkMsg is built from one edge event or one sync-cursor fetch result.
// DownlinkMsgID is monotonically assigned per session and echoed back in the
// client's DownlinkResponseMsg.
type DownlinkMsg struct {
	DownlinkMsgID int32              `json:"downlinkMsgId"`
	EntityUpdate  *EntityUpdateMsg   `json:"entityUpdateMsg,omitempty"`
	EntityData    []EntityDataMsg    `json:"entityData,omitempty"`
	Configuration *EdgeConfiguration `json:"edgeConfiguration,omitempty"`
	SyncCompleted *SyncCompletedMsg  `json:"syncCompletedMsg,omitempty"`
}

type DownlinkResponseMsg struct {
	DownlinkMsgID int32  `json:"downlinkMsgId"`
	Success       bool   `json:"success"`
	ErrorMsg      string `json:"errorMsg,omitempty"`
}

// UplinkMsg fans out to the domain processors by message kind. A single kind
// may carry a list; each element is processed independently.
type UplinkMsg struct {
	UplinkMsgID int32 `json:"uplinkMsgId"`

	DeviceUpdateMsgs          []EntityUpdateMsg `json:"deviceUpdateMsgs,omitempty"`
	AssetUpdateMsgs           []EntityUpdateMsg `json:"assetUpdateMsgs,omitempty"`
	RuleChainUpdateMsgs       []EntityUpdateMsg `json:"ruleChainUpdateMsgs,omitempty"`
	RelationUpdateMsgs        []EntityUpdateMsg `json:"relationUpdateMsgs,omitempty"`
	AlarmUpdateMsgs           []EntityUpdateMsg `json:"alarmUpdateMsgs,omitempty"`
	DashboardUpdateMsgs       []EntityUpdateMsg `json:"dashboardUpdateMsgs,omitempty"`
	ResourceUpdateMsgs        []EntityUpdateMsg `json:"resourceUpdateMsgs,omitempty"`
	UserUpdateMsgs            []EntityUpdateMsg `json:"userUpdateMsgs,omitempty"`
	UserCredentialsUpdateMsgs []EntityUpdateMsg `json:"userCredentialsUpdateMsgs,omitempty"`
	RPCCallMsgs               []EntityUpdateMsg `json:"rpcCallMsgs,omitempty"`
	CalculatedFieldUpdateMsgs []EntityUpdateMsg `json:"calculatedFieldUpdateMsgs,omitempty"`
	AIModelUpdateMsgs         []EntityUpdateMsg `json:"aiModelUpdateMsgs,omitempty"`
	EntityDataMsgs            []EntityDataMsg   `json:"entityDataMsgs,omitempty"`
}

type UplinkResponseMsg struct {
	UplinkMsgID int32  `json:"uplinkMsgId"`
	Success     bool   `json:"success"`
	ErrorMsg    string `json:"errorMsg,omitempty"`
}

// EdgeConfigurationOf builds the connect-response configuration payload.
func EdgeConfigurationOf(edge *shared.Edge) *EdgeConfiguration {
	return &EdgeConfiguration{
		EdgeID:     edge.ID,
		TenantID:   edge.TenantID,
		CustomerID: edge.CustomerID,
		Name:       edge.Name,
		Type:       edge.Type,
		RoutingKey: edge.RoutingKey,
	}
}
