package deployment

import (
	"context"
	"time"

	"github.com/EphemeralEpoch/smart-book-gist/pkg/reconcile"
	"github.com/rs/zerolog"
)

// AwaitServiceReady polls the service's latest revision until its Ready
// condition succeeds or the deadline elapses. The returned status is
// TimedOut rather than an error when the deadline expires; only a
// permission failure aborts the wait early.
func AwaitServiceReady(
	ctx context.Context,
	api CloudRunAPI,
	serviceID string,
	interval, deadline time.Duration,
	logger zerolog.Logger,
) (reconcile.PollStatus, error) {
	poller := reconcile.NewPoller(interval, deadline, logger)
	ref := reconcile.ResourceRef{Kind: reconcile.KindService, ID: serviceID}
	return poller.WaitUntilReady(ctx, ref, func(ctx context.Context) (bool, []string, error) {
		return api.LatestRevisionStatus(ctx, serviceID)
	})
}
