package watch

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/chazu/hotload/pkg/metrics"
	"github.com/chazu/hotload/pkg/module"
)

// Invalidator is satisfied by *registry.Registry.
type Invalidator interface {
	InvalidatePaths(ctx context.Context, paths []string) []*module.ExecResult
}

// Reload returns an OnChange callback that invalidates the changed paths and
// reports the re-executions that failed. Cancelled re-executions are not
// failures; a later change superseded them.
func Reload(inv Invalidator, log logr.Logger) func(ctx context.Context, paths []string) error {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return func(ctx context.Context, paths []string) error {
		metrics.RecordInvalidation("watch")
		results := inv.InvalidatePaths(ctx, paths)

		var errs error
		for _, res := range results {
			switch {
			case res.OK():
				log.Info("reloaded module", "id", res.ID)
			case res.Cancelled():
				log.V(1).Info("reload superseded", "id", res.ID)
			default:
				errs = multierr.Append(errs, fmt.Errorf("reload module %s: %w", res.ID, res.Err()))
			}
		}
		return errs
	}
}
