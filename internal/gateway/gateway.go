package gateway

import (
	"context"

	"github.com/perchlabs/roost/model"
)

// Admin manipulates routing rules on the edge gateway. Implementations must
// make UpsertRoute idempotent: re-applying an unchanged route is a no-op at
// the gateway.
type Admin interface {
	UpsertRoute(ctx context.Context, route model.GatewayRoute) error
	DeleteRoute(ctx context.Context, agentID string) error
	// ListRoutes returns only routes this system manages, never routes
	// created by operators or other tools.
	ListRoutes(ctx context.Context) ([]model.GatewayRoute, error)
}
