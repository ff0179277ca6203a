package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var start = time.Date(2021, 10, 1, 0, 0, 0, 0, time.UTC)

func TestClock_New(t *testing.T) {
	c := New(start)
	assert.Equal(t, start, c.Now(), "new clock should start at the given time")
}

func TestClock_NewNormalisesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	c := New(start.In(loc))
	assert.Equal(t, time.UTC, c.Now().Location())
	assert.True(t, c.Now().Equal(start))
}

func TestClock_SetTime(t *testing.T) {
	c := New(start)
	later := time.Date(2021, 10, 15, 17, 42, 12, 0, time.UTC)

	c.SetTime(later)
	assert.Equal(t, later, c.Now())

	// Setting backwards is allowed; the store rejects updates that would
	// produce overlapping intervals.
	c.SetTime(start)
	assert.Equal(t, start, c.Now())
}

func TestClock_Advance(t *testing.T) {
	c := New(start)

	got := c.Advance(12 * time.Second)
	assert.Equal(t, start.Add(12*time.Second), got)
	assert.Equal(t, got, c.Now())

	c.Advance(12 * time.Second)
	assert.Equal(t, start.Add(24*time.Second), c.Now())
}

func TestClock_NowDoesNotMove(t *testing.T) {
	c := New(start)
	for i := 0; i < 10; i++ {
		assert.Equal(t, start, c.Now())
	}
}

func TestClock_ThreadSafe(t *testing.T) {
	c := New(start)
	const goroutines = 50
	const callsPerGoroutine = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				c.Advance(time.Second)
			}
		}()
	}
	wg.Wait()

	want := start.Add(goroutines * callsPerGoroutine * time.Second)
	assert.Equal(t, want, c.Now())
}
