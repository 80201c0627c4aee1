package events

import (
	"context"

	"github.com/google/uuid"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
)

// DownlinkSender delivers one batch of edge events to the connected edge and
// reports whether the send was interrupted before the client acknowledged it.
// Implemented by the session.
type DownlinkSender interface {
	SendDownlinkPack(ctx context.Context, events []shared.EdgeEvent) (interrupted bool, err error)
}

// Backend is the per-session event delivery capability. Two variants exist:
// a polled relational table and a push-style log with one topic per edge. The
// variant is selected once at process start; the session never knows which one
// it is wired to.
type Backend interface {
	// Save appends one event to the edge's durable log.
	Save(ctx context.Context, ev shared.EdgeEvent) error

	// ProcessEdgeEvents drains pending events towards the edge. The return
	// value means "schedule the next tick sooner": the polled variant returns
	// true when the read page was full, the push variant always returns false
	// because delivery is event-driven once the consumer runs.
	ProcessEdgeEvents(ctx context.Context) (scheduleSooner bool, err error)

	// MigrateEdgeEvents drains events left in the legacy polled store after a
	// backend switch. It returns true while legacy events may remain; once it
	// returned false the caller must never invoke it again for this edge.
	MigrateEdgeEvents(ctx context.Context) (legacyRemain bool, err error)

	// Active reports whether the backend still holds a live delivery resource
	// (the pull consumer). Used by the zombie-session predicate.
	Active() bool

	// Destroy releases the delivery resource. A false return means the
	// release failed and the session must be retried by zombie cleanup.
	Destroy() bool

	// CleanUp irreversibly removes the edge's log (topic, consumer group,
	// table rows). Only invoked on edge deletion, never on disconnect.
	CleanUp(ctx context.Context) error
}

// Factory builds a backend bound to one edge and its session's sender.
type Factory interface {
	New(edge *shared.Edge, sender DownlinkSender) Backend
}

// Store is the polled-table persistence surface. The production
// implementation is PostgresStore; tests substitute an in-memory store.
type Store interface {
	Append(ctx context.Context, ev shared.EdgeEvent) error
	// ReadPage returns up to limit events with SeqID > afterSeq, in SeqID order.
	ReadPage(ctx context.Context, edgeID uuid.UUID, afterSeq int64, limit int) ([]shared.EdgeEvent, error)
	CommittedSeq(ctx context.Context, edgeID uuid.UUID) (int64, error)
	Commit(ctx context.Context, edgeID uuid.UUID, seq int64) error
	DeleteEdge(ctx context.Context, edgeID uuid.UUID) error
}
