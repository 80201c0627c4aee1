package translator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/edgerpc"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
)

// Converter turns stored edge events into wire downlink messages. Conversion
// of a single event may fail or be suppressed by a protocol-version gate
// without affecting the rest of a batch.
type Converter struct{}

func NewConverter() *Converter {
	return &Converter{}
}

// Convert returns nil when the event is suppressed for the client's protocol
// version. nextID assigns the downlink message id.
func (c *Converter) Convert(edge *shared.Edge, edgeVersion string, ev shared.EdgeEvent, nextID func() int32) (*edgerpc.DownlinkMsg, error) {
	if !featureSupported(edgeVersion, ev.EntityType) {
		zap.S().Debugf("[%s][%s] entity type %s not supported by edge version %s, skipping event",
			ev.TenantID, ev.EdgeID, ev.EntityType, edgeVersion)
		return nil, nil
	}

	switch ev.Action {
	case shared.ActionAttributesUpdated, shared.ActionAttributesDeleted:
		return &edgerpc.DownlinkMsg{
			DownlinkMsgID: nextID(),
			EntityData: []edgerpc.EntityDataMsg{{
				EntityType:     ev.EntityType,
				EntityID:       ev.EntityID,
				PostAttributes: ev.Body,
				AttributeScope: "SERVER_SCOPE",
			}},
		}, nil
	case shared.ActionTimeseriesUpdated:
		return &edgerpc.DownlinkMsg{
			DownlinkMsgID: nextID(),
			EntityData: []edgerpc.EntityDataMsg{{
				EntityType:    ev.EntityType,
				EntityID:      ev.EntityID,
				PostTelemetry: ev.Body,
			}},
		}, nil
	case shared.ActionAdded, shared.ActionUpdated, shared.ActionDeleted,
		shared.ActionAssignedToEdge, shared.ActionUnassignedFromEdge,
		shared.ActionCredentialsUpdated,
		shared.ActionRelationAddOrUpdate, shared.ActionRelationDeleted,
		shared.ActionRPCCall, shared.ActionAlarmAck, shared.ActionAlarmClear:
		return &edgerpc.DownlinkMsg{
			DownlinkMsgID: nextID(),
			EntityUpdate: &edgerpc.EntityUpdateMsg{
				EntityType: ev.EntityType,
				Action:     ev.Action,
				EntityID:   ev.EntityID,
				Body:       ev.Body,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown edge event action %q", ev.Action)
	}
}

// ConvertPack converts a batch. A failing event is logged and skipped so one
// bad event cannot block the rest.
func (c *Converter) ConvertPack(edge *shared.Edge, edgeVersion string, events []shared.EdgeEvent, nextID func() int32) []*edgerpc.DownlinkMsg {
	msgs := make([]*edgerpc.DownlinkMsg, 0, len(events))
	for _, ev := range events {
		msg, err := c.Convert(edge, edgeVersion, ev, nextID)
		if err != nil {
			zap.S().Warnf("[%s][%s] failed to convert edge event (seqId %d) to downlink msg, skipping: %s",
				ev.TenantID, ev.EdgeID, ev.SeqID, err)
			continue
		}
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}
