package broker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"
)

// healthCheckTimeout bounds each adapter check run by the health endpoint.
const healthCheckTimeout = 2 * time.Second

// HealthChecker reports whether an adapter is usable. *database.DB,
// *mqtt.Client and *influxdb.Client satisfy it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckHealth runs every check in name order. The returned map holds "ok"
// or the error text per name; the error combines every failure.
func CheckHealth(ctx context.Context, checks map[string]HealthChecker) (map[string]string, error) {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]string, len(names))
	var err error
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		checkErr := checks[name].HealthCheck(checkCtx)
		cancel()

		if checkErr != nil {
			results[name] = checkErr.Error()
			err = multierr.Append(err, fmt.Errorf("%s: %w", name, checkErr))
			continue
		}
		results[name] = "ok"
	}
	return results, err
}
