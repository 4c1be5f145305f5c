package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jobdeck/jobdeck/model"
)

// Property: across any interleaving of claim, heartbeat and lease-expiry
// cycles, the epochs observed by successive successful claimants are
// strictly increasing.
func TestEpochStrictlyIncreases(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := DefaultConfig()
		cfg.MaxReclaims = 1 << 30 // the property is about epochs, not the budget
		env := newTestEnv(t, cfg)
		ctx := context.Background()
		sub := env.create(t, 1)

		cycles := rapid.IntRange(1, 8).Draw(rt, "cycles")
		var lastEpoch model.Epoch

		for i := 0; i < cycles; i++ {
			agent := model.AgentID(fmt.Sprintf("agent-%d", i))
			offers, err := env.registry.Poll(ctx, "site-1", agent, 1)
			require.NoError(t, err)
			require.Len(t, offers, 1)
			require.Greater(t, offers[0].Epoch, lastEpoch)
			lastEpoch = offers[0].Epoch

			// a random number of successful heartbeats never moves the epoch.
			beats := rapid.IntRange(0, 3).Draw(rt, fmt.Sprintf("beats-%d", i))
			for b := 0; b < beats; b++ {
				env.clock.Add(cfg.LeaseTTL / 4)
				result, err := env.registry.Heartbeat(ctx, sub.ID, agent, lastEpoch)
				require.NoError(t, err)
				require.False(t, result.CancelRequested)
			}
			got, err := env.registry.Get(ctx, sub.ID)
			require.NoError(t, err)
			require.Equal(t, lastEpoch, got.Epoch)

			// abandon the claim and let the checker reclaim it.
			env.clock.Add(cfg.LeaseTTL + time.Second)
			require.NoError(t, env.registry.reclaimExpired(ctx))

			got, err = env.registry.Get(ctx, sub.ID)
			require.NoError(t, err)
			require.Equal(t, model.StatePending, got.State())
			// reclaim itself never rolls the epoch back.
			require.Equal(t, lastEpoch, got.Epoch)
		}
	})
}
