package fetcher

import (
	"sort"
	"sync"
)

// TopicPartition - партиция топика.
type TopicPartition struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
}

// Owner - партиция и её текущий владелец.
type Owner struct {
	TopicPartition
	ConsumerID string `json:"consumer_id"`
}

// Assignment - таблица назначения партиций fetcher'ам.
// Все изменения проходят через неё; читатели получают копии.
type Assignment struct {
	mu       sync.RWMutex
	owners   map[TopicPartition]string
	orphaned map[TopicPartition]error
}

// NewAssignment создаёт пустую таблицу назначений.
func NewAssignment() *Assignment {
	return &Assignment{
		owners:   make(map[TopicPartition]string),
		orphaned: make(map[TopicPartition]error),
	}
}

// Assign закрепляет партиции за consumerID.
func (a *Assignment) Assign(topic string, partitions []int, consumerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range partitions {
		tp := TopicPartition{Topic: topic, Partition: p}
		a.owners[tp] = consumerID
		delete(a.orphaned, tp)
	}
}

// Release снимает партицию с владельца и помечает её ожидающей переназначения.
// Возвращает прежнего владельца.
func (a *Assignment) Release(topic string, partition int, cause error) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tp := TopicPartition{Topic: topic, Partition: partition}
	owner, ok := a.owners[tp]
	delete(a.owners, tp)
	a.orphaned[tp] = cause
	return owner, ok
}

// OwnerOf возвращает владельца партиции.
func (a *Assignment) OwnerOf(topic string, partition int) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	owner, ok := a.owners[TopicPartition{Topic: topic, Partition: partition}]
	return owner, ok
}

// Owners возвращает назначенные партиции, отсортированные по топику и номеру.
func (a *Assignment) Owners() []Owner {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Owner, 0, len(a.owners))
	for tp, id := range a.owners {
		out = append(out, Owner{TopicPartition: tp, ConsumerID: id})
	}
	sort.Slice(out, func(i, j int) bool {
		return less(out[i].TopicPartition, out[j].TopicPartition)
	})
	return out
}

// Orphaned возвращает партиции, ожидающие переназначения.
func (a *Assignment) Orphaned() []TopicPartition {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]TopicPartition, 0, len(a.orphaned))
	for tp := range a.orphaned {
		out = append(out, tp)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func less(a, b TopicPartition) bool {
	if a.Topic != b.Topic {
		return a.Topic < b.Topic
	}
	return a.Partition < b.Partition
}
