package compaction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewThrottle_disabledAboveCeiling(t *testing.T) {
	th := NewThrottle(MaxThrottleBytesPerSec*10, time.Second)
	assert.Nil(t, th.limiter)
}

func TestNewThrottle_appliesFloor(t *testing.T) {
	// totalBytes/targetSeconds is tiny, so the floor (targetSeconds) wins.
	th := NewThrottle(10, 10*time.Second)
	require.NotNil(t, th.limiter)
	assert.InDelta(t, 10, float64(th.limiter.Limit()), 0.001)
}

func TestNewThrottle_usesComputedRateWhenLarger(t *testing.T) {
	th := NewThrottle(1000, 10*time.Second)
	require.NotNil(t, th.limiter)
	assert.InDelta(t, 100, float64(th.limiter.Limit()), 0.001)
}

func TestThrottle_WaitN_disabledIsNoop(t *testing.T) {
	var th *Throttle
	require.NoError(t, th.WaitN(context.Background(), 1<<30))

	th = Disabled()
	require.NoError(t, th.WaitN(context.Background(), 1<<30))
}

func TestThrottle_WaitN_chunksAboveBurst(t *testing.T) {
	th := NewThrottle(100, time.Second) // rate=100, burst=100
	require.NotNil(t, th.limiter)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, th.WaitN(ctx, 250))
}

func TestThrottle_WaitN_respectsCancellation(t *testing.T) {
	th := NewThrottle(1, time.Second) // rate=1, burst=1: any large n must wait
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := th.WaitN(ctx, 1000)
	require.Error(t, err)
}
