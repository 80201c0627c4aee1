package platform

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/registry"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
	"github.com/edgefabric/edge-sync-gateway/internal"
)

const (
	notificationsTopic = "edge.notifications"
	ruleEngineTopic    = "edge.rule-engine"
)

type NotificationType string

const (
	NotificationEdgeEventAdded  NotificationType = "EDGE_EVENT_ADDED"
	NotificationEdgeEventUpdate NotificationType = "EDGE_EVENT_UPDATE"
	NotificationEdgeUpdated     NotificationType = "EDGE_UPDATED"
	NotificationEdgeDeleted     NotificationType = "EDGE_DELETED"
	NotificationHighPriority    NotificationType = "HIGH_PRIORITY_EVENT"
	NotificationSyncRequest     NotificationType = "SYNC_REQUEST"
	NotificationSyncResponse    NotificationType = "SYNC_RESPONSE"
)

// Notification is the envelope on the internal routing topics. Exactly one
// payload field is set, selected by Type.
type Notification struct {
	Type     NotificationType `json:"type"`
	TenantID uuid.UUID        `json:"tenantId"`
	EdgeID   uuid.UUID        `json:"edgeId"`

	Event        *shared.EdgeEvent    `json:"event,omitempty"`
	Edge         *shared.Edge         `json:"edge,omitempty"`
	SyncRequest  *shared.SyncRequest  `json:"syncRequest,omitempty"`
	SyncResponse *shared.SyncResponse `json:"syncResponse,omitempty"`
}

type ruleEngineTrigger struct {
	Type                 string                              `json:"type"`
	Connection           *shared.ConnectionTrigger           `json:"connection,omitempty"`
	CommunicationFailure *shared.CommunicationFailureTrigger `json:"communicationFailure,omitempty"`
	RPCResponse          *rpcResponse                        `json:"rpcResponse,omitempty"`
}

type rpcResponse struct {
	TenantID uuid.UUID       `json:"tenantId"`
	EdgeID   uuid.UUID       `json:"edgeId"`
	EntityID uuid.UUID       `json:"entityId"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// Fabric is the cluster routing layer: rule-engine triggers and node-to-node
// notifications travel over Kafka. The broadcast topic is consumed by every
// node with its own consumer group; the per-node topic carries responses
// addressed to one node.
type Fabric struct {
	brokers   []string
	serviceID string
	config    *sarama.Config
	producer  sarama.SyncProducer

	reg   *registry.Registry
	store *Store

	cancel context.CancelFunc
}

func NewFabric(brokers []string, clientID, serviceID string) (*Fabric, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &Fabric{
		brokers:   brokers,
		serviceID: serviceID,
		config:    cfg,
		producer:  producer,
	}, nil
}

// Bind wires the consumers' dispatch targets. Must be called before Start.
func (f *Fabric) Bind(reg *registry.Registry, store *Store) {
	f.reg = reg
	f.store = store
}

func (f *Fabric) Start() error {
	group, err := sarama.NewConsumerGroup(f.brokers, groupForService(f.serviceID), f.config)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	topics := []string{notificationsTopic, responseTopic(f.serviceID)}
	go func() {
		defer func() {
			if err := group.Close(); err != nil {
				zap.S().Warnf("Failed to close notification consumer group: %s", err)
			}
		}()
		var retries int64
		for ctx.Err() == nil {
			err := group.Consume(ctx, topics, &notificationHandler{fabric: f})
			if err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				retries++
				zap.S().Warnf("Notification consumer error, backing off: %s", err)
				internal.SleepBackedOff(retries, 100*time.Millisecond, 10*time.Second)
				continue
			}
			retries = 0
		}
	}()
	return nil
}

func (f *Fabric) Shutdown() error {
	if f.cancel != nil {
		f.cancel()
	}
	return f.producer.Close()
}

func responseTopic(serviceID string) string {
	return notificationsTopic + "." + serviceID
}

func groupForService(serviceID string) string {
	hasher := sha3.New256()
	hasher.Write([]byte(serviceID))
	return "edge-notifications-" + hex.EncodeToString(hasher.Sum(nil))
}

func (f *Fabric) publish(topic string, key uuid.UUID, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, _, err = f.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key.String()),
		Value: sarama.ByteEncoder(value),
	})
	return err
}

func (f *Fabric) ProcessConnection(ctx context.Context, trigger shared.ConnectionTrigger) {
	err := f.publish(ruleEngineTopic, trigger.EdgeID, ruleEngineTrigger{Type: "EDGE_CONNECTION", Connection: &trigger})
	if err != nil {
		zap.S().Warnf("[%s][%s] failed to publish connection trigger: %s", trigger.TenantID, trigger.EdgeID, err)
	}
}

func (f *Fabric) ProcessCommunicationFailure(ctx context.Context, trigger shared.CommunicationFailureTrigger) {
	err := f.publish(ruleEngineTopic, trigger.EdgeID, ruleEngineTrigger{Type: "EDGE_COMMUNICATION_FAILURE", CommunicationFailure: &trigger})
	if err != nil {
		zap.S().Warnf("[%s][%s] failed to publish communication failure trigger: %s", trigger.TenantID, trigger.EdgeID, err)
	}
}

func (f *Fabric) OnEdgeEventUpdate(ctx context.Context, tenantID, edgeID uuid.UUID) {
	err := f.publish(notificationsTopic, edgeID, Notification{
		Type:     NotificationEdgeEventUpdate,
		TenantID: tenantID,
		EdgeID:   edgeID,
	})
	if err != nil {
		zap.S().Warnf("[%s][%s] failed to publish edge event update: %s", tenantID, edgeID, err)
	}
}

func (f *Fabric) PushSyncRequest(ctx context.Context, req shared.SyncRequest) {
	err := f.publish(notificationsTopic, req.EdgeID, Notification{
		Type:        NotificationSyncRequest,
		TenantID:    req.TenantID,
		EdgeID:      req.EdgeID,
		SyncRequest: &req,
	})
	if err != nil {
		zap.S().Warnf("[%s][%s] failed to publish sync request: %s", req.TenantID, req.EdgeID, err)
	}
}

func (f *Fabric) PushSyncResponse(ctx context.Context, resp shared.SyncResponse, serviceID string) {
	err := f.publish(responseTopic(serviceID), resp.EdgeID, Notification{
		Type:         NotificationSyncResponse,
		TenantID:     resp.TenantID,
		EdgeID:       resp.EdgeID,
		SyncResponse: &resp,
	})
	if err != nil {
		zap.S().Warnf("[%s][%s] failed to publish sync response: %s", resp.TenantID, resp.EdgeID, err)
	}
}

type notificationHandler struct {
	fabric *Fabric
}

func (h *notificationHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *notificationHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *notificationHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			var n Notification
			if err := json.Unmarshal(msg.Value, &n); err != nil {
				zap.S().Warnf("Skipping undecodable notification at offset %d: %s", msg.Offset, err)
				sess.MarkMessage(msg, "")
				continue
			}
			h.fabric.dispatch(sess.Context(), n)
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

// dispatch routes one notification to the registry. Broadcast notifications
// that target a session owned by another node are ignored here; that node's
// own consumer handles them.
func (f *Fabric) dispatch(ctx context.Context, n Notification) {
	switch n.Type {
	case NotificationEdgeEventAdded:
		if n.Event == nil {
			return
		}
		if err := f.reg.SaveEdgeEvent(ctx, *n.Event); err != nil {
			zap.S().Warnf("[%s][%s] failed to save edge event: %s", n.TenantID, n.EdgeID, err)
			return
		}
		f.reg.OnEdgeEventUpdate(n.TenantID, n.EdgeID)
	case NotificationEdgeEventUpdate:
		f.reg.OnEdgeEventUpdate(n.TenantID, n.EdgeID)
	case NotificationHighPriority:
		if n.Event != nil {
			f.reg.OnHighPriorityEvent(*n.Event)
		}
	case NotificationEdgeUpdated:
		if n.Edge == nil {
			return
		}
		f.store.InvalidateEdge(n.Edge.RoutingKey)
		f.reg.UpdateEdge(ctx, n.Edge)
	case NotificationEdgeDeleted:
		if n.Edge == nil {
			return
		}
		f.store.InvalidateEdge(n.Edge.RoutingKey)
		if err := f.reg.DeleteEdge(ctx, n.Edge); err != nil {
			zap.S().Warnf("[%s][%s] failed to clean up deleted edge: %s", n.TenantID, n.EdgeID, err)
		}
	case NotificationSyncRequest:
		if n.SyncRequest == nil {
			return
		}
		if f.reg.ConnectedSession(n.EdgeID) == nil {
			// only the node owning the session answers. A broadcast has no
			// designated responder for an edge no node owns, so that case is
			// answered by the requester's own timeout instead of an immediate
			// negative response.
			return
		}
		f.reg.ProcessSyncRequest(ctx, *n.SyncRequest)
	case NotificationSyncResponse:
		if n.SyncResponse != nil {
			f.reg.ProcessSyncResponse(*n.SyncResponse)
		}
	default:
		zap.S().Debugf("Ignoring notification of unknown type %q", n.Type)
	}
}
