package reftracker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPinIncrementsAndReleaseDecrements(t *testing.T) {
	tr := New()
	assert.Equal(t, 0, tr.RefCount("/gr/A"))

	h1 := tr.Pin("/gr/A")
	assert.Equal(t, 1, tr.RefCount("/gr/A"))

	h2 := tr.Pin("/gr/A")
	assert.Equal(t, 2, tr.RefCount("/gr/A"))

	h1.Release()
	assert.Equal(t, 1, tr.RefCount("/gr/A"))

	h2.Release()
	assert.Equal(t, 0, tr.RefCount("/gr/A"))
}

func TestReleaseIsIdempotentPerHandle(t *testing.T) {
	tr := New()
	h := tr.Pin("/gr/A")
	h.Release()
	h.Release()
	h.Release()
	assert.Equal(t, 0, tr.RefCount("/gr/A"))
}

func TestDrainReturnsImmediatelyWhenAlreadyZero(t *testing.T) {
	tr := New()
	start := time.Now()
	assert.True(t, tr.Drain("/gr/A", time.Second))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestDrainUnblocksOnRelease(t *testing.T) {
	tr := New()
	h := tr.Pin("/gr/A")

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.Release()
	}()

	assert.True(t, tr.Drain("/gr/A", 2*time.Second))
}

func TestDrainTimesOutWhilePinned(t *testing.T) {
	tr := New()
	h := tr.Pin("/gr/A")
	defer h.Release()

	assert.False(t, tr.Drain("/gr/A", 50*time.Millisecond))
	assert.Equal(t, 1, tr.RefCount("/gr/A"))
}

func TestConcurrentPinReleaseNeverGoesNegative(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := tr.Pin("/gr/A")
			time.Sleep(time.Millisecond)
			h.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, tr.RefCount("/gr/A"))
}
