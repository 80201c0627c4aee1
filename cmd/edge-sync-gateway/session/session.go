package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/edgerpc"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/events"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/synccursor"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/translator"
)

const maxDownlinkAttempts = 3

type Config struct {
	MaxReadRecords           int
	NoRecordsSleep           time.Duration
	SleepBetweenBatches      time.Duration
	MaxHighPriorityQueueSize int
	MaxInboundMessageSize    int
}

type ConnectListener func(edgeID uuid.UUID, s *Session)
type DisconnectListener func(edge *shared.Edge, sessionID uuid.UUID)

type Deps struct {
	Stream         edgerpc.Stream
	BackendFactory events.Factory
	Converter      *translator.Converter
	Dispatcher     *translator.Dispatcher
	EdgeService    shared.EdgeService
	Telemetry      shared.Telemetry
	RuleEngine     shared.RuleEngine
	Cluster        shared.ClusterService
	Entities       synccursor.EntitySource
	OnConnect      ConnectListener
	OnDisconnect   DisconnectListener
	// OnSyncCompleted fires once per sync run, success or not. Optional.
	OnSyncCompleted func(edge *shared.Edge, success bool, reason string)
}

// Session owns one edge connection: handshake, outbound queueing, the
// event-check loop and the sync state machine.
type Session struct {
	cfg  Config
	deps Deps

	state   *State
	backend events.Backend

	sendMu     sync.Mutex // serializes writes to the stream
	orderingMu sync.Mutex // serializes sequence-sensitive uplink kinds
	batchMu    sync.Mutex // one in-flight downlink batch at a time

	highPriority chan shared.EdgeEvent
	pending      *pendingPack
	nudgeCh      chan struct{}
	msgSeq       atomic.Int32
	ticking      atomic.Bool

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
}

func New(cfg Config, deps Deps) *Session {
	return &Session{
		cfg:          cfg,
		deps:         deps,
		state:        newState(),
		highPriority: make(chan shared.EdgeEvent, cfg.MaxHighPriorityQueueSize),
		pending:      newPendingPack(),
		nudgeCh:      make(chan struct{}, 1),
	}
}

func (s *Session) SessionID() uuid.UUID   { return s.state.SessionID() }
func (s *Session) Edge() *shared.Edge     { return s.state.Edge() }
func (s *Session) Connected() bool        { return s.state.Connected() }
func (s *Session) SyncInProgress() bool   { return s.state.SyncInProgress() }
func (s *Session) State() *State          { return s.state }

// Active reports whether the backend still holds a live delivery resource.
func (s *Session) Active() bool {
	return s.backend != nil && s.backend.Active()
}

// HandleStream pumps the inbound side of the connection until the stream
// terminates.
func (s *Session) HandleStream() error {
	defer s.closeSession()
	for {
		req, err := s.deps.Stream.Recv()
		if err != nil {
			zap.S().Debugf("[%s] stream terminated: %s", s.SessionID(), err)
			return nil
		}
		if err := s.handleRequest(req); err != nil {
			return err
		}
	}
}

func (s *Session) handleRequest(req *edgerpc.RequestMsg) error {
	if !s.state.Connected() && req.MsgType == edgerpc.ConnectRPCMessage && req.ConnectRequest != nil {
		resp := s.processConnect(req.ConnectRequest)
		if err := s.send(&edgerpc.ResponseMsg{ConnectResponse: resp}); err != nil {
			return err
		}
		if resp.ResponseCode != edgerpc.ConnectAccepted {
			return fmt.Errorf("connection rejected: %s", resp.ErrorMsg)
		}
		if req.ConnectRequest.MaxInboundMessageSize > 0 {
			zap.S().Debugf("[%s][%s] client max inbound message size: %d",
				s.Edge().TenantID, s.SessionID(), req.ConnectRequest.MaxInboundMessageSize)
			s.state.setClientMaxInboundMessageSize(req.ConnectRequest.MaxInboundMessageSize)
		}
		s.state.setConnected(true)
		s.deps.OnConnect(s.Edge().ID, s)
	}
	if s.state.Connected() {
		switch req.MsgType {
		case edgerpc.SyncRequestRPCMessage:
			if req.SyncRequest != nil {
				s.StartSyncProcess(req.SyncRequest.FullSync)
			} else {
				s.state.FinishSync()
			}
		case edgerpc.UplinkRPCMessage:
			if req.Uplink != nil {
				s.onUplink(req.Uplink)
			}
			if req.DownlinkResponse != nil {
				s.OnDownlinkResponse(req.DownlinkResponse)
			}
		}
	}
	return nil
}

// processConnect validates the routing key and secret and constructs the
// session's backend on success.
func (s *Session) processConnect(req *edgerpc.ConnectRequestMsg) *edgerpc.ConnectResponseMsg {
	zap.S().Debugf("[%s] processing connect request, routing key %s", s.SessionID(), req.EdgeRoutingKey)
	ctx, cncl := context.WithTimeout(context.Background(), 5*time.Second)
	defer cncl()

	edge, err := s.deps.EdgeService.FindEdgeByRoutingKey(ctx, req.EdgeRoutingKey)
	if err != nil {
		if err == shared.ErrEdgeNotFound {
			return &edgerpc.ConnectResponseMsg{
				ResponseCode: edgerpc.ConnectBadCredentials,
				ErrorMsg:     fmt.Sprintf("Failed to find the edge! Routing key: %s", req.EdgeRoutingKey),
			}
		}
		failureMsg := "Failed to process edge connection!"
		zap.S().Errorf("[%s] %s %s", s.SessionID(), failureMsg, err)
		return &edgerpc.ConnectResponseMsg{
			ResponseCode: edgerpc.ConnectServerUnavailable,
			ErrorMsg:     failureMsg,
		}
	}
	s.state.setEdge(edge)
	if edge.Secret != req.EdgeSecret {
		errText := "Failed to validate the edge!"
		failureMsg := fmt.Sprintf("%s Provided request secret: %s", errText, req.EdgeSecret)
		s.deps.RuleEngine.ProcessCommunicationFailure(ctx, shared.CommunicationFailureTrigger{
			TenantID:   edge.TenantID,
			CustomerID: edge.CustomerID,
			EdgeID:     edge.ID,
			EdgeName:   edge.Name,
			FailureMsg: failureMsg,
			Error:      errText,
		})
		return &edgerpc.ConnectResponseMsg{
			ResponseCode: edgerpc.ConnectBadCredentials,
			ErrorMsg:     failureMsg,
		}
	}

	s.state.setEdgeVersion(req.EdgeVersion)
	s.backend = s.deps.BackendFactory.New(edge, s)
	s.deps.Telemetry.SaveAttribute(ctx, edge.TenantID, edge.ID, shared.AttrEdgeVersion, req.EdgeVersion, func(err error) {
		if err != nil {
			zap.S().Warnf("[%s][%s] failed to save edge version attribute: %s", edge.TenantID, edge.ID, err)
		}
	})
	return &edgerpc.ConnectResponseMsg{
		ResponseCode:          edgerpc.ConnectAccepted,
		Configuration:         edgerpc.EdgeConfigurationOf(edge),
		MaxInboundMessageSize: s.cfg.MaxInboundMessageSize,
	}
}

func (s *Session) closeSession() {
	s.state.setConnected(false)
	if edge := s.state.Edge(); edge != nil {
		s.deps.OnDisconnect(edge, s.SessionID())
	}
}

// send serializes one response onto the stream. A failed write marks the
// session disconnected and notifies the registry.
func (s *Session) send(msg *edgerpc.ResponseMsg) error {
	s.sendMu.Lock()
	err := s.deps.Stream.Send(msg)
	s.sendMu.Unlock()
	if err != nil {
		zap.S().Debugf("[%s] failed to send response: %s", s.SessionID(), err)
		wasConnected := s.state.Connected()
		s.state.setConnected(false)
		if edge := s.state.Edge(); edge != nil && wasConnected {
			s.deps.OnDisconnect(edge, s.SessionID())
		}
	}
	return err
}

func (s *Session) onUplink(msg *edgerpc.UplinkMsg) {
	go func() {
		ctx := context.Background()
		edge := s.state.Edge()
		err := s.deps.Dispatcher.Dispatch(ctx, edge, &s.orderingMu, msg)
		resp := &edgerpc.UplinkResponseMsg{UplinkMsgID: msg.UplinkMsgID, Success: err == nil}
		if err != nil {
			zap.S().Warnf("[%s][%s] failed to process uplink msg %d: %s", edge.TenantID, edge.ID, msg.UplinkMsgID, err)
			resp.ErrorMsg = err.Error()
			s.deps.RuleEngine.ProcessCommunicationFailure(ctx, shared.CommunicationFailureTrigger{
				TenantID:   edge.TenantID,
				CustomerID: edge.CustomerID,
				EdgeID:     edge.ID,
				EdgeName:   edge.Name,
				FailureMsg: fmt.Sprintf("Failed to process uplink message %d", msg.UplinkMsgID),
				Error:      err.Error(),
			})
		}
		_ = s.send(&edgerpc.ResponseMsg{UplinkResponse: resp})
	}()
}

// OnDownlinkResponse applies one client acknowledgement to the in-flight
// batch.
func (s *Session) OnDownlinkResponse(msg *edgerpc.DownlinkResponseMsg) {
	if msg.Success {
		downlinkMsgsPushed.Inc()
	} else {
		zap.S().Debugf("[%s] downlink msg %d failed on the edge: %s", s.SessionID(), msg.DownlinkMsgID, msg.ErrorMsg)
	}
	s.pending.ack(msg)
}

// OnConfigurationUpdate refreshes the cached edge and pushes the new
// configuration downstream.
func (s *Session) OnConfigurationUpdate(edge *shared.Edge) {
	zap.S().Debugf("[%s][%s] edge configuration updated", edge.TenantID, edge.ID)
	s.state.setEdge(edge)
	_ = s.send(&edgerpc.ResponseMsg{Downlink: &edgerpc.DownlinkMsg{
		DownlinkMsgID: s.nextMsgID(),
		Configuration: edgerpc.EdgeConfigurationOf(edge),
	}})
}

// Save appends one event to this edge's durable log.
func (s *Session) Save(ctx context.Context, ev shared.EdgeEvent) error {
	return s.backend.Save(ctx, ev)
}

// Destroy releases the backend resource and stops the event-check loop. A
// false return puts the session on the registry's zombie list; Destroy stays
// callable until it succeeds.
func (s *Session) Destroy() bool {
	s.state.setConnected(false)
	s.CancelEventCheck()
	if s.backend == nil {
		return true
	}
	return s.backend.Destroy()
}

// CleanUp removes the edge's backend resources for good. Only called on edge
// deletion.
func (s *Session) CleanUp(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	return s.backend.CleanUp(ctx)
}

func (s *Session) nextMsgID() int32 {
	return s.msgSeq.Add(1)
}

// Nudge marks "new events pending" so the next loop iteration runs without
// waiting out the idle interval. Setting an already-set flag is a no-op.
func (s *Session) Nudge() {
	select {
	case s.nudgeCh <- struct{}{}:
	default:
	}
}
