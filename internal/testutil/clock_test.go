package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedClock_Steps(t *testing.T) {
	clock := NewFixedClock(time.Time{}, time.Second)

	assert.Equal(t, DefaultEpoch, clock.Now())
	assert.Equal(t, DefaultEpoch.Add(time.Second), clock.Now())
	assert.Equal(t, int64(2), clock.Ticks())

	clock.Reset()
	assert.Equal(t, DefaultEpoch, clock.Now())
}

func TestFixedClock_Deterministic(t *testing.T) {
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	clock1 := NewFixedClock(base, time.Minute)
	clock2 := NewFixedClock(base, time.Minute)

	for i := 0; i < 100; i++ {
		assert.Equal(t, clock1.Now(), clock2.Now())
	}
}

func TestFixedClock_ThreadSafe(t *testing.T) {
	clock := NewFixedClock(time.Time{}, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				clock.Now()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), clock.Ticks())
}

func TestSequentialIDs(t *testing.T) {
	ids := NewSequentialIDs("")
	assert.Equal(t, "run-0001", ids.Generate())
	assert.Equal(t, "run-0002", ids.Generate())

	custom := NewSequentialIDs("sync")
	assert.Equal(t, "sync-0001", custom.Generate())
}
