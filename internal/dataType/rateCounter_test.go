package dataType

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestCounterSlidingWindow(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	c := NewCounter(4, 10, clock.Now)

	c.Add("peer-a", 1)
	c.Add("peer-a", 2)
	clock.Advance(time.Second)
	c.Add("peer-a", 4)
	c.Add("peer-b", 1)

	assert.Equal(t, int64(4), c.Query("peer-a", 1))
	assert.Equal(t, int64(7), c.Query("peer-a", 2))
	assert.Equal(t, int64(1), c.Query("peer-b", 10))
	assert.Equal(t, int64(0), c.Query("peer-c", 10))

	clock.Advance(20 * time.Second)
	assert.Equal(t, int64(0), c.Query("peer-a", 10), "segments outside the window are ignored")
}

func TestCounterGCAndReset(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	c := NewCounter(2, 5, clock.Now)
	c.Add("a", 1)
	c.Add("b", 1)
	assert.Equal(t, 2, c.Len())

	c.Reset("a")
	assert.Equal(t, 1, c.Len())

	clock.Advance(10 * time.Second)
	c.GC()
	assert.Equal(t, 0, c.Len())
}
