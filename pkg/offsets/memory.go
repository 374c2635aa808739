package offsets

import (
	"context"
	"sync"
)

type partitionKey struct {
	group     string
	topic     string
	partition int
}

// MemoryStore хранит offsets в памяти процесса. Для тестов и одиночного узла.
type MemoryStore struct {
	mu      sync.RWMutex
	offsets map[partitionKey]int64
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offsets: make(map[partitionKey]int64)}
}

func (s *MemoryStore) Load(_ context.Context, group, topic string, partition int) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.offsets[partitionKey{group: group, topic: topic, partition: partition}]
	return o, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, group, topic string, partition int, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.offsets[partitionKey{group: group, topic: topic, partition: partition}] = offset
	return nil
}

// All возвращает все offsets группы по топику.
func (s *MemoryStore) All(_ context.Context, group, topic string) (map[int]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int]int64)
	for k, o := range s.offsets {
		if k.group == group && k.topic == topic {
			out[k.partition] = o
		}
	}
	return out, nil
}
