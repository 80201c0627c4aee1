package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
)

// PostgresBackend is the polled-table delivery variant. Each
// ProcessEdgeEvents call reads one bounded page past the committed position,
// sends it, and advances the position only once the send is acknowledged.
type PostgresBackend struct {
	store    Store
	edge     *shared.Edge
	sender   DownlinkSender
	pageSize int
}

type PostgresFactory struct {
	Store    Store
	PageSize int
}

func (f *PostgresFactory) New(edge *shared.Edge, sender DownlinkSender) Backend {
	return &PostgresBackend{
		store:    f.Store,
		edge:     edge,
		sender:   sender,
		pageSize: f.PageSize,
	}
}

func (b *PostgresBackend) Save(ctx context.Context, ev shared.EdgeEvent) error {
	return b.store.Append(ctx, ev)
}

func (b *PostgresBackend) ProcessEdgeEvents(ctx context.Context) (bool, error) {
	processed, more, err := b.drainPage(ctx)
	if err != nil {
		return false, err
	}
	return processed > 0 && more, nil
}

// drainPage reads and delivers one page. Nothing commits unless the send was
// fully acknowledged, so a retried page yields the same downlink messages.
func (b *PostgresBackend) drainPage(ctx context.Context) (processed int, more bool, err error) {
	from, err := b.store.CommittedSeq(ctx, b.edge.ID)
	if err != nil {
		return 0, false, err
	}
	page, err := b.store.ReadPage(ctx, b.edge.ID, from, b.pageSize)
	if err != nil {
		return 0, false, err
	}
	if len(page) == 0 {
		return 0, false, nil
	}
	interrupted, err := b.sender.SendDownlinkPack(ctx, page)
	if err != nil {
		return 0, false, err
	}
	if interrupted {
		zap.S().Debugf("[%s][%s] send interrupted, page not committed", b.edge.TenantID, b.edge.ID)
		return 0, false, nil
	}
	if err := b.store.Commit(ctx, b.edge.ID, page[len(page)-1].SeqID); err != nil {
		return 0, false, err
	}
	return len(page), len(page) == b.pageSize, nil
}

// MigrateEdgeEvents is a no-op for the polled variant: there is nothing to
// migrate from.
func (b *PostgresBackend) MigrateEdgeEvents(ctx context.Context) (bool, error) {
	return false, nil
}

func (b *PostgresBackend) Active() bool {
	return false
}

func (b *PostgresBackend) Destroy() bool {
	return true
}

func (b *PostgresBackend) CleanUp(ctx context.Context) error {
	return b.store.DeleteEdge(ctx, b.edge.ID)
}
