package signal

import (
	"fmt"
	"testing"
	"time"

	"github.com/dkeye/Chat/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	req := require.New(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, 3*time.Second)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		req.True(rl.Allow("alice"))
	}
	req.False(rl.Allow("alice"))
	// other users have their own bucket
	req.True(rl.Allow("bob"))

	now = now.Add(time.Second)
	req.True(rl.Allow("alice"))
	req.False(rl.Allow("alice"))
}

func TestRateLimiter_SweepsIdleUsers(t *testing.T) {
	req := require.New(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, time.Second)
	rl.now = func() time.Time { return now }

	for i := 0; i < sweepThreshold; i++ {
		rl.Allow(domain.UserID(fmt.Sprintf("u%d", i)))
	}
	req.Len(rl.users, sweepThreshold)

	now = now.Add(time.Minute)
	req.True(rl.Allow("fresh"))
	req.Len(rl.users, 1)
}
