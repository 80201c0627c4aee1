package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ScheduleEventCheck starts the session's event-check loop. Calling it while
// the loop already runs is a no-op.
func (s *Session) ScheduleEventCheck() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.loopCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	go s.eventLoop(ctx)
}

// CancelEventCheck stops the event-check loop.
func (s *Session) CancelEventCheck() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.loopCancel != nil {
		s.loopCancel()
		s.loopCancel = nil
	}
}

// eventLoop is the session's single long-lived worker. One iteration per
// wakeup: idle timer, or a nudge when new events arrived. A tick that found a
// full page re-arms with a minimal delay to drain the backlog quickly.
func (s *Session) eventLoop(ctx context.Context) {
	zap.S().Debugf("[%s] event loop started", s.SessionID())
	defer zap.S().Debugf("[%s] event loop stopped", s.SessionID())

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.nudgeCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		sooner := s.runTick(ctx)
		if sooner {
			timer.Reset(time.Millisecond)
		} else {
			timer.Reset(s.cfg.NoRecordsSleep)
		}
	}
}

// runTick performs one event-check iteration. Failures are logged and retried
// on the next wakeup; the loop itself never dies.
func (s *Session) runTick(ctx context.Context) (sooner bool) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("[%s] panic in event check: %v", s.SessionID(), r)
			sooner = false
		}
	}()

	if !s.state.Connected() || s.state.SyncInProgress() {
		return false
	}
	if !s.ticking.CompareAndSwap(false, true) {
		return false
	}
	defer s.ticking.Store(false)

	s.processHighPriorityEvents(ctx)

	if !s.state.MigrationDone() {
		legacyRemain, err := s.backend.MigrateEdgeEvents(ctx)
		if err != nil {
			zap.S().Warnf("[%s] failed to migrate legacy edge events: %s", s.SessionID(), err)
			return false
		}
		if !legacyRemain {
			zap.S().Infof("[%s] legacy edge events migration completed", s.SessionID())
			s.state.markMigrationDone()
			return true
		}
		return true
	}

	scheduleSooner, err := s.backend.ProcessEdgeEvents(ctx)
	if err != nil {
		zap.S().Warnf("[%s] failed to process edge events: %s", s.SessionID(), err)
		return false
	}
	return scheduleSooner
}
