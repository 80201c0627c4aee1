package session

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/edgerpc"
	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
)

// SendDownlinkPack converts one batch of events and delivers it with
// at-least-once semantics. It returns interrupted=true when the session lost
// the connection mid-batch, which tells the backend to keep its position and
// replay after reconnect. Concurrent callers (event loop, sync run, push
// consumer) are served one batch at a time so every caller waits on the acks
// of its own messages.
func (s *Session) SendDownlinkPack(ctx context.Context, events []shared.EdgeEvent) (bool, error) {
	edge := s.state.Edge()
	msgs := s.deps.Converter.ConvertPack(edge, s.state.EdgeVersion(), events, s.nextMsgID)
	if len(msgs) == 0 {
		return false, nil
	}
	downlinkMsgsAdded.Add(float64(len(msgs)))
	return s.sendDownlinkMsgs(ctx, msgs)
}

func (s *Session) sendDownlinkMsgs(ctx context.Context, msgs []*edgerpc.DownlinkMsg) (bool, error) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.pending.reset(msgs)

	for attempt := 1; attempt <= maxDownlinkAttempts; attempt++ {
		retry := s.pending.snapshot()
		if len(retry) == 0 {
			return false, nil
		}
		if attempt > 1 {
			zap.S().Debugf("[%s] retrying %d downlink msgs, attempt %d", s.SessionID(), len(retry), attempt)
		}
		for _, msg := range retry {
			if s.exceedsClientLimit(msg) {
				continue
			}
			if err := s.send(&edgerpc.ResponseMsg{Downlink: msg}); err != nil {
				return true, nil
			}
		}

		select {
		case <-s.pending.emptied():
			return false, nil
		case <-ctx.Done():
			return true, ctx.Err()
		case <-time.After(s.cfg.SleepBetweenBatches):
			downlinkMsgsTmpFailed.Add(float64(len(s.pending.snapshot())))
			if attempt == maxDownlinkAttempts-1 {
				s.triggerDownlinkFailure(len(s.pending.snapshot()))
			}
		}
		if !s.state.Connected() {
			return true, nil
		}
	}

	dropped := s.pending.clear()
	if dropped > 0 {
		downlinkMsgsPermanentlyFailed.Add(float64(dropped))
		zap.S().Warnf("[%s] discarded %d downlink msgs after %d attempts", s.SessionID(), dropped, maxDownlinkAttempts)
	}
	return false, nil
}

// exceedsClientLimit permanently discards a message the client could never
// accept. Retrying an oversized message can only fail the same way.
func (s *Session) exceedsClientLimit(msg *edgerpc.DownlinkMsg) bool {
	limit := s.state.ClientMaxInboundMessageSize()
	if limit <= 0 {
		return false
	}
	payload, err := json.Marshal(msg)
	if err != nil || len(payload) <= limit {
		return false
	}
	edge := s.state.Edge()
	zap.S().Errorf("[%s][%s] downlink msg %d size %d exceeds client max inbound message size %d, discarding",
		edge.TenantID, edge.ID, msg.DownlinkMsgID, len(payload), limit)
	s.pending.remove(msg.DownlinkMsgID)
	downlinkMsgsPermanentlyFailed.Inc()
	return true
}

func (s *Session) triggerDownlinkFailure(count int) {
	edge := s.state.Edge()
	ctx, cncl := context.WithTimeout(context.Background(), 5*time.Second)
	defer cncl()
	s.deps.RuleEngine.ProcessCommunicationFailure(ctx, shared.CommunicationFailureTrigger{
		TenantID:   edge.TenantID,
		CustomerID: edge.CustomerID,
		EdgeID:     edge.ID,
		EdgeName:   edge.Name,
		FailureMsg: fmt.Sprintf("Failed to deliver %d downlink message(s)", count),
		Error:      "Edge is not responding to downlink messages",
	})
}

// AddHighPriorityEvent enqueues an event that bypasses the durable log. When
// the queue is full the oldest entry is dropped to make room.
func (s *Session) AddHighPriorityEvent(ev shared.EdgeEvent) {
	for {
		select {
		case s.highPriority <- ev:
			s.Nudge()
			return
		default:
		}
		select {
		case old := <-s.highPriority:
			highPriorityDropped.Inc()
			zap.S().Warnf("[%s][%s] high priority queue full, dropped oldest event (action %s)",
				old.TenantID, old.EdgeID, old.Action)
		default:
		}
	}
}

// processHighPriorityEvents drains the queue and delivers the drained events
// ahead of the durable backlog.
func (s *Session) processHighPriorityEvents(ctx context.Context) {
	var batch []shared.EdgeEvent
	for {
		select {
		case ev := <-s.highPriority:
			batch = append(batch, ev)
		default:
			if len(batch) == 0 {
				return
			}
			if _, err := s.SendDownlinkPack(ctx, batch); err != nil {
				zap.S().Warnf("[%s] failed to deliver high priority events: %s", s.SessionID(), err)
			}
			return
		}
	}
}
