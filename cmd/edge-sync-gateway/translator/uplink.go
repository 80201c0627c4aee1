package translator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/edgerpc"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
)

// Kind identifies one uplink message family and selects its processor.
type Kind string

const (
	KindDevice          Kind = "device"
	KindAsset           Kind = "asset"
	KindRuleChain       Kind = "ruleChain"
	KindRelation        Kind = "relation"
	KindAlarm           Kind = "alarm"
	KindDashboard       Kind = "dashboard"
	KindResource        Kind = "resource"
	KindUser            Kind = "user"
	KindUserCredentials Kind = "userCredentials"
	KindRPCCall         Kind = "rpcCall"
	KindCalculatedField Kind = "calculatedField"
	KindAIModel         Kind = "aiModel"
	KindTelemetry       Kind = "telemetry"
)

// Processor applies one uplink entity update against the platform.
type Processor interface {
	Process(ctx context.Context, edge *shared.Edge, update edgerpc.EntityUpdateMsg) error
}

// TelemetryProcessor applies one uplink telemetry/attribute payload.
type TelemetryProcessor interface {
	Process(ctx context.Context, edge *shared.Edge, data edgerpc.EntityDataMsg) error
}

// Dispatcher fans an uplink batch out to the registered processors. All kinds
// run concurrently except user and user-credentials updates, which are applied
// strictly in arrival order relative to each other under the session's
// ordering lock.
type Dispatcher struct {
	processors map[Kind]Processor
	telemetry  TelemetryProcessor
}

func NewDispatcher(telemetry TelemetryProcessor) *Dispatcher {
	return &Dispatcher{
		processors: make(map[Kind]Processor),
		telemetry:  telemetry,
	}
}

func (d *Dispatcher) Register(kind Kind, p Processor) {
	d.processors[kind] = p
}

type uplinkOp func(ctx context.Context) error

// Dispatch processes one uplink batch. If any sub-message fails, the whole
// batch fails as one unit and no partial acknowledgement is sent.
func (d *Dispatcher) Dispatch(ctx context.Context, edge *shared.Edge, ordering sync.Locker, msg *edgerpc.UplinkMsg) error {
	concurrent, ordered, err := d.buildOps(edge, ordering, msg)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for _, op := range concurrent {
		wg.Add(1)
		go func(op uplinkOp) {
			defer wg.Done()
			record(op(ctx))
		}(op)
	}
	// Sequence-sensitive ops run in one goroutine, in arrival order.
	if len(ordered) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, op := range ordered {
				if err := op(ctx); err != nil {
					record(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// buildOps validates the batch and assembles the operation set. A missing
// processor for a present kind fails the whole batch up front.
func (d *Dispatcher) buildOps(edge *shared.Edge, ordering sync.Locker, msg *edgerpc.UplinkMsg) (concurrent, ordered []uplinkOp, err error) {
	byKind := map[Kind][]edgerpc.EntityUpdateMsg{
		KindDevice:          msg.DeviceUpdateMsgs,
		KindAsset:           msg.AssetUpdateMsgs,
		KindRuleChain:       msg.RuleChainUpdateMsgs,
		KindRelation:        msg.RelationUpdateMsgs,
		KindAlarm:           msg.AlarmUpdateMsgs,
		KindDashboard:       msg.DashboardUpdateMsgs,
		KindResource:        msg.ResourceUpdateMsgs,
		KindRPCCall:         msg.RPCCallMsgs,
		KindCalculatedField: msg.CalculatedFieldUpdateMsgs,
		KindAIModel:         msg.AIModelUpdateMsgs,
	}
	for kind, updates := range byKind {
		if len(updates) == 0 {
			continue
		}
		p, ok := d.processors[kind]
		if !ok {
			return nil, nil, fmt.Errorf("no processor registered for uplink kind %q", kind)
		}
		for _, update := range updates {
			update := update
			concurrent = append(concurrent, func(ctx context.Context) error {
				return p.Process(ctx, edge, update)
			})
		}
	}

	if len(msg.EntityDataMsgs) > 0 {
		if d.telemetry == nil {
			return nil, nil, fmt.Errorf("no telemetry processor registered")
		}
		for _, data := range msg.EntityDataMsgs {
			data := data
			concurrent = append(concurrent, func(ctx context.Context) error {
				return d.telemetry.Process(ctx, edge, data)
			})
		}
	}

	// User records must exist before their credentials are applied.
	for _, pair := range []struct {
		kind    Kind
		updates []edgerpc.EntityUpdateMsg
	}{
		{KindUser, msg.UserUpdateMsgs},
		{KindUserCredentials, msg.UserCredentialsUpdateMsgs},
	} {
		if len(pair.updates) == 0 {
			continue
		}
		p, ok := d.processors[pair.kind]
		if !ok {
			return nil, nil, fmt.Errorf("no processor registered for uplink kind %q", pair.kind)
		}
		for _, update := range pair.updates {
			p, update := p, update
			ordered = append(ordered, func(ctx context.Context) error {
				ordering.Lock()
				defer ordering.Unlock()
				return p.Process(ctx, edge, update)
			})
		}
	}

	zap.S().Debugf("[%s][%s] dispatching uplink msg %d: %d concurrent, %d ordered op(s)",
		edge.TenantID, edge.ID, msg.UplinkMsgID, len(concurrent), len(ordered))
	return concurrent, ordered, nil
}
