package storage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/industriverse/capsuleflow/internal/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reading(sensor string, i int, ts time.Time) *data.SensorReading {
	return &data.SensorReading{
		SensorID:  sensor,
		Timestamp: ts,
		Values:    map[string]interface{}{"seq": float64(i)},
	}
}

func TestHistoryStore_EvictsOldestAtCapacity(t *testing.T) {
	store := NewHistoryStore(DefaultHistorySize)
	base := time.Now()

	for i := 0; i < 1001; i++ {
		store.Append(reading("motor_001", i, base.Add(time.Duration(i)*time.Second)))
	}

	require.Equal(t, 1000, store.Len("motor_001"))
	all := store.Recent("motor_001", 0)
	assert.Equal(t, float64(1), all[0].Values["seq"], "reading 0 must have been evicted")
	assert.Equal(t, float64(1000), all[len(all)-1].Values["seq"])
}

func TestHistoryStore_Recent(t *testing.T) {
	store := NewHistoryStore(10)
	now := time.Now()
	for i := 0; i < 5; i++ {
		store.Append(reading("s1", i, now))
	}

	recent := store.Recent("s1", 2)
	require.Len(t, recent, 2)
	assert.Equal(t, float64(3), recent[0].Values["seq"])
	assert.Equal(t, float64(4), recent[1].Values["seq"])
	assert.Nil(t, store.Recent("unknown", 3))
}

func TestHistoryStore_Since(t *testing.T) {
	store := NewHistoryStore(10)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		store.Append(reading("s1", i, base.Add(time.Duration(i)*time.Minute)))
	}

	window := store.Since("s1", base.Add(2*time.Minute), base.Add(4*time.Minute))
	assert.Len(t, window, 3)
}

func TestHistoryStore_DropAndStats(t *testing.T) {
	store := NewHistoryStore(10)
	now := time.Now()
	store.Append(reading("s1", 0, now))
	store.Append(reading("s2", 0, now))
	store.Append(reading("s2", 1, now))

	stats := store.Stats()
	assert.Equal(t, 2, stats["sensor_count"])
	assert.Equal(t, 3, stats["total_readings"])

	store.Drop("s2")
	assert.Equal(t, 0, store.Len("s2"))
	assert.Equal(t, 1, store.Stats()["sensor_count"])
}

func TestHistoryStore_ConcurrentSensors(t *testing.T) {
	store := NewHistoryStore(50)
	var wg sync.WaitGroup
	for s := 0; s < 8; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			id := fmt.Sprintf("sensor_%d", s)
			for i := 0; i < 100; i++ {
				store.Append(reading(id, i, time.Now()))
			}
		}(s)
	}
	wg.Wait()

	for s := 0; s < 8; s++ {
		assert.Equal(t, 50, store.Len(fmt.Sprintf("sensor_%d", s)))
	}
}
