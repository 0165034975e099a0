package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/kv"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/resilience"
)

// RedisChecker reports whether the call store answers pings. A bridge that
// cannot reach Redis cannot load agents or persist anything, so it must not
// receive traffic.
func RedisChecker(store kv.Store) Checker {
	return Checker{
		Name: "redis",
		Check: func(ctx context.Context) error {
			return store.Ping(ctx)
		},
	}
}

// ProvidersChecker fails when every registered provider's breaker is open.
// A single healthy provider keeps the bridge ready; calls for the broken
// ones are rerouted or rejected per call.
func ProvidersChecker(router *resilience.Router) Checker {
	return Checker{
		Name: "providers",
		Check: func(_ context.Context) error {
			states := router.States()
			if len(states) == 0 {
				return fmt.Errorf("no providers registered")
			}

			var open []string
			for name, state := range states {
				if state == resilience.StateOpen {
					open = append(open, string(name))
				}
			}
			if len(open) == len(states) {
				return fmt.Errorf("all provider breakers open: %s", strings.Join(open, ", "))
			}
			return nil
		},
	}
}
