// internal/storage/memory.go
package storage

import (
	"sync"
	"time"

	"github.com/industriverse/capsuleflow/internal/data"
)

const DefaultHistorySize = 1000 // readings kept per sensor

// sensorHistory is one sensor's bounded buffer with its own lock, so
// readings for different sensors never contend.
type sensorHistory struct {
	mu     sync.RWMutex
	buffer []*data.SensorReading
}

// HistoryStore keeps the most recent readings of every sensor in memory.
type HistoryStore struct {
	mu       sync.RWMutex
	sensors  map[string]*sensorHistory
	capacity int
}

func NewHistoryStore(capacity int) *HistoryStore {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &HistoryStore{
		sensors:  make(map[string]*sensorHistory),
		capacity: capacity,
	}
}

func (s *HistoryStore) shard(sensorID string, create bool) *sensorHistory {
	s.mu.RLock()
	h, ok := s.sensors[sensorID]
	s.mu.RUnlock()
	if ok || !create {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.sensors[sensorID]; !ok {
		h = &sensorHistory{buffer: make([]*data.SensorReading, 0, 16)}
		s.sensors[sensorID] = h
	}
	return h
}

// Append stores a reading, evicting the oldest once the sensor is at capacity.
func (s *HistoryStore) Append(reading *data.SensorReading) {
	h := s.shard(reading.SensorID, true)
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.buffer) >= s.capacity {
		// Remove the oldest element
		copy(h.buffer, h.buffer[1:])
		h.buffer = h.buffer[:len(h.buffer)-1]
	}
	h.buffer = append(h.buffer, reading)
}

// Recent returns up to count of the newest readings, oldest first.
// A count <= 0 returns everything held for the sensor.
func (s *HistoryStore) Recent(sensorID string, count int) []*data.SensorReading {
	h := s.shard(sensorID, false)
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	if count <= 0 || count > len(h.buffer) {
		count = len(h.buffer)
	}
	result := make([]*data.SensorReading, count)
	copy(result, h.buffer[len(h.buffer)-count:])
	return result
}

// Since returns the readings with timestamps in [from, to], oldest first.
func (s *HistoryStore) Since(sensorID string, from, to time.Time) []*data.SensorReading {
	h := s.shard(sensorID, false)
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	var result []*data.SensorReading
	for _, r := range h.buffer {
		if r.Timestamp.Before(from) || r.Timestamp.After(to) {
			continue
		}
		result = append(result, r)
	}
	return result
}

func (s *HistoryStore) Len(sensorID string) int {
	h := s.shard(sensorID, false)
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.buffer)
}

// Drop discards everything held for the sensor.
func (s *HistoryStore) Drop(sensorID string) {
	s.mu.Lock()
	delete(s.sensors, sensorID)
	s.mu.Unlock()
}

// Stats reports the number of tracked sensors and buffered readings.
func (s *HistoryStore) Stats() map[string]int {
	s.mu.RLock()
	shards := make([]*sensorHistory, 0, len(s.sensors))
	for _, h := range s.sensors {
		shards = append(shards, h)
	}
	s.mu.RUnlock()

	total := 0
	for _, h := range shards {
		h.mu.RLock()
		total += len(h.buffer)
		h.mu.RUnlock()
	}
	return map[string]int{
		"sensor_count":   len(shards),
		"total_readings": total,
		"capacity":       s.capacity,
	}
}
