package dataType

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

type timeSegment struct {
	timestamp int64
	count     int64
}

type counterElement struct {
	segments    []timeSegment
	segSize     int64
	lastUpdated int64
}

func newCounterElement(segments int, now int64) *counterElement {
	return &counterElement{
		segments:    make([]timeSegment, segments),
		segSize:     int64(segments),
		lastUpdated: now,
	}
}

func (c *counterElement) add(ts int64, value int64) {
	idx := ts % c.segSize
	if c.segments[idx].timestamp != ts {
		c.segments[idx].timestamp = ts
		c.segments[idx].count = value
	} else {
		c.segments[idx].count += value
	}
	c.lastUpdated = ts
}

func (c *counterElement) query(lastN int64, now int64) int64 {
	var sum int64
	// the window never reaches past the stored segments
	lastN = min(lastN, c.segSize)
	for i := int64(0); i < lastN; i++ {
		sec := now - lastN + 1 + i
		idx := sec % c.segSize
		if c.segments[idx].timestamp == sec {
			sum += c.segments[idx].count
		}
	}
	return sum
}

type CounterBucket struct {
	mu       sync.RWMutex
	counters map[uint64]*counterElement
}

func NewCounterBucket() *CounterBucket {
	return &CounterBucket{
		counters: make(map[uint64]*counterElement),
	}
}

// Counter counts events per key over a sliding window of one-second
// segments. Workers feed it one event per completed evaluation.
type Counter struct {
	buckets     []*CounterBucket
	bucketCount uint64
	segSize     int64
	now         func() time.Time
}

func NewCounter(bucketCount int, size int64, now func() time.Time) *Counter {
	if now == nil {
		now = time.Now
	}
	tc := &Counter{
		buckets:     make([]*CounterBucket, bucketCount),
		bucketCount: uint64(bucketCount),
		segSize:     size,
		now:         now,
	}
	for i := 0; i < bucketCount; i++ {
		tc.buckets[i] = NewCounterBucket()
	}
	return tc
}

func (tc *Counter) getBucket(hashKey uint64) *CounterBucket {
	return tc.buckets[hashKey%tc.bucketCount]
}

func (tc *Counter) Add(key string, value int64) {
	now := tc.now().Unix()
	hashKey := xxhash.Sum64String(key)
	bucket := tc.getBucket(hashKey)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	counter, exists := bucket.counters[hashKey]
	if !exists {
		counter = newCounterElement(int(tc.segSize), now)
		bucket.counters[hashKey] = counter
	}
	counter.add(now, value)
}

// Query sums the last lastN seconds for key.
func (tc *Counter) Query(key string, lastN int64) int64 {
	now := tc.now().Unix()
	hashKey := xxhash.Sum64String(key)
	bucket := tc.getBucket(hashKey)
	bucket.mu.RLock()
	defer bucket.mu.RUnlock()
	if counter, exists := bucket.counters[hashKey]; exists {
		return counter.query(lastN, now)
	}
	return 0
}

func (tc *Counter) Reset(key string) {
	hashKey := xxhash.Sum64String(key)
	bucket := tc.getBucket(hashKey)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	delete(bucket.counters, hashKey)
}

// GC drops keys that have not been touched for a full window.
func (tc *Counter) GC() {
	expireThreshold := tc.now().Unix() - tc.segSize
	for _, bucket := range tc.buckets {
		bucket.mu.Lock()
		for key, counter := range bucket.counters {
			if counter.lastUpdated < expireThreshold {
				delete(bucket.counters, key)
			}
		}
		bucket.mu.Unlock()
	}
}

func (tc *Counter) Len() int {
	n := 0
	for _, bucket := range tc.buckets {
		bucket.mu.RLock()
		n += len(bucket.counters)
		bucket.mu.RUnlock()
	}
	return n
}
