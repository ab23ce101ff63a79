package adapter

import (
	"fmt"
	"sync"
	"time"

	bloomFilter "github.com/bits-and-blooms/bloom/v3"
)

const (
	defaultFilterCapacity     = 10000
	defaultFalsePositiveRate  = 0.001
	maximumFilterUsagePercent = 90
)

// DuplicateFilter drops readings already seen for the same sensor and
// source timestamp, which is what at-least-once redelivery produces.
type DuplicateFilter struct {
	mu     sync.Mutex
	filter *bloomFilter.BloomFilter
}

func NewDuplicateFilter() *DuplicateFilter {
	return &DuplicateFilter{
		filter: bloomFilter.NewWithEstimates(defaultFilterCapacity, defaultFalsePositiveRate),
	}
}

// Seen records the key and reports whether it was (probably) seen before.
func (d *DuplicateFilter) Seen(sensorID string, ts time.Time) bool {
	key := []byte(fmt.Sprintf("%s_%d", sensorID, ts.UnixNano()))

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.filter.Test(key) {
		return true
	}
	d.resetIfSaturated()
	d.filter.Add(key)
	return false
}

func (d *DuplicateFilter) resetIfSaturated() {
	usage := float64(d.filter.ApproximatedSize()) / float64(d.filter.Cap()) * 100
	if usage >= maximumFilterUsagePercent {
		d.filter.ClearAll()
	}
}
