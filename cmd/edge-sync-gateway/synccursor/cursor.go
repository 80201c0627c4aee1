package synccursor

import (
	"context"

	"github.com/google/uuid"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
)

// EntitySource enumerates platform entities for replication. It is an opaque
// collaborator of this core; the persistence behind it is out of scope.
type EntitySource interface {
	// Entities lists tenant- or system-scoped entities of one type.
	Entities(ctx context.Context, tenantID uuid.UUID, entityType shared.EntityType) ([]shared.EdgeEvent, error)
	// AssignedToEdge lists entities of one type assigned to the edge.
	AssignedToEdge(ctx context.Context, edge *shared.Edge, entityType shared.EntityType) ([]shared.EdgeEvent, error)
	// Customer loads one customer (the public customer when id is nil).
	Customer(ctx context.Context, tenantID uuid.UUID, customerID uuid.UUID) ([]shared.EdgeEvent, error)
	// CustomerUsers lists the users of one customer.
	CustomerUsers(ctx context.Context, tenantID uuid.UUID, customerID uuid.UUID) ([]shared.EdgeEvent, error)
	// TenantAdminUsers lists the tenant administrators.
	TenantAdminUsers(ctx context.Context, tenantID uuid.UUID) ([]shared.EdgeEvent, error)
}

// Fetcher produces one ordered slice of events for the sync process.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, edge *shared.Edge) ([]shared.EdgeEvent, error)
}

type fetchFn func(ctx context.Context, edge *shared.Edge) ([]shared.EdgeEvent, error)

type fetcher struct {
	name string
	fn   fetchFn
}

func (f fetcher) Name() string { return f.name }

func (f fetcher) Fetch(ctx context.Context, edge *shared.Edge) ([]shared.EdgeEvent, error) {
	return f.fn(ctx, edge)
}

// Cursor walks a fixed, ordered plan of fetchers exactly once. It is rebuilt
// from scratch if a sync restarts; exhaustion is terminal.
type Cursor struct {
	fetchers []Fetcher
	idx      int
}

func (c *Cursor) HasNext() bool {
	return c.idx < len(c.fetchers)
}

func (c *Cursor) Next() Fetcher {
	f := c.fetchers[c.idx]
	c.idx++
	return f
}

func (c *Cursor) CurrentIdx() int {
	return c.idx
}

// New builds the fetch plan for one sync run. Full sync prepends the
// tenant-level plan and appends notification/OTA/resource fetchers; the
// shared middle section runs for both full and partial syncs.
func New(src EntitySource, edge *shared.Edge, fullSync bool) *Cursor {
	tenantScoped := func(name string, entityType shared.EntityType) Fetcher {
		return fetcher{name: name, fn: func(ctx context.Context, e *shared.Edge) ([]shared.EdgeEvent, error) {
			return src.Entities(ctx, e.TenantID, entityType)
		}}
	}
	edgeScoped := func(name string, entityType shared.EntityType) Fetcher {
		return fetcher{name: name, fn: func(ctx context.Context, e *shared.Edge) ([]shared.EdgeEvent, error) {
			return src.AssignedToEdge(ctx, e, entityType)
		}}
	}

	var plan []Fetcher
	if fullSync {
		plan = append(plan,
			tenantScoped("tenant", shared.EntityTenant),
			tenantScoped("queues", shared.EntityQueue),
			tenantScoped("ruleChains", shared.EntityRuleChain),
			tenantScoped("adminSettings", shared.EntityAdminSettings),
			fetcher{name: "tenantAdminUsers", fn: func(ctx context.Context, e *shared.Edge) ([]shared.EdgeEvent, error) {
				return src.TenantAdminUsers(ctx, e.TenantID)
			}},
			tenantScoped("oauth2Domains", shared.EntityOAuth2Domain),
			tenantScoped("widgetTypes", shared.EntityWidgetType),
			tenantScoped("widgetsBundles", shared.EntityWidgetsBundle),
			tenantScoped("aiModels", shared.EntityAIModel),
		)
	}

	plan = append(plan,
		fetcher{name: "publicCustomer", fn: func(ctx context.Context, e *shared.Edge) ([]shared.EdgeEvent, error) {
			return src.Customer(ctx, e.TenantID, uuid.Nil)
		}},
		fetcher{name: "edgeCustomer", fn: func(ctx context.Context, e *shared.Edge) ([]shared.EdgeEvent, error) {
			if e.CustomerID == uuid.Nil {
				return nil, nil
			}
			return src.Customer(ctx, e.TenantID, e.CustomerID)
		}},
		fetcher{name: "edgeCustomerUsers", fn: func(ctx context.Context, e *shared.Edge) ([]shared.EdgeEvent, error) {
			if e.CustomerID == uuid.Nil {
				return nil, nil
			}
			return src.CustomerUsers(ctx, e.TenantID, e.CustomerID)
		}},
		edgeScoped("dashboards", shared.EntityDashboard),
		tenantScoped("deviceProfiles", shared.EntityDeviceProfile),
		tenantScoped("assetProfiles", shared.EntityAssetProfile),
		edgeScoped("devices", shared.EntityDevice),
		edgeScoped("assets", shared.EntityAsset),
		edgeScoped("entityViews", shared.EntityEntityView),
	)

	if fullSync {
		plan = append(plan,
			tenantScoped("notificationTemplates", shared.EntityNotificationTemplate),
			tenantScoped("notificationTargets", shared.EntityNotificationTarget),
			tenantScoped("notificationRules", shared.EntityNotificationRule),
			tenantScoped("otaPackages", shared.EntityOTAPackage),
			// second pass to pick up profile fields that reference entities
			// created after the first pass (default dashboards, firmware)
			tenantScoped("deviceProfilesSecondPass", shared.EntityDeviceProfile),
			tenantScoped("tenantResources", shared.EntityTenantResource),
		)
	}

	return &Cursor{fetchers: plan}
}
