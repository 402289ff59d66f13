// Package eventbus is an in-process topic based pub/sub used to fan out progress
// notifications to waiting readers. Topics are dot separated and subscriptions may use
// "*" for a single segment, or "*" alone for every topic.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
)

type Event struct {
	Topic string
	Data  any
}

type subscriber struct {
	id      uint64
	channel chan Event

	mu     sync.Mutex
	closed bool
}

// send never blocks. When the buffer is full the oldest pending event is discarded so
// readers always observe the most recent state.
func (s *subscriber) send(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	for {
		select {
		case s.channel <- event:
			return true
		default:
		}
		select {
		case <-s.channel:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.channel)
	}
}

type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]*subscriber // topic pattern -> id -> subscriber
	counter     uint64
}

func New() *EventBus {
	return &EventBus{
		subscribers: make(map[string]map[uint64]*subscriber),
	}
}

// Subscribe returns the event channel for pattern and a function that unsubscribes and closes it.
func (bus *EventBus) Subscribe(pattern string, bufferSize int) (<-chan Event, func()) {
	if bufferSize < 1 {
		bufferSize = 1
	}
	sub := &subscriber{
		id:      atomic.AddUint64(&bus.counter, 1),
		channel: make(chan Event, bufferSize),
	}

	bus.mu.Lock()
	if _, ok := bus.subscribers[pattern]; !ok {
		bus.subscribers[pattern] = make(map[uint64]*subscriber)
	}
	bus.subscribers[pattern][sub.id] = sub
	bus.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			bus.mu.Lock()
			defer bus.mu.Unlock()
			if subMap, ok := bus.subscribers[pattern]; ok {
				if s, ok := subMap[sub.id]; ok {
					s.close()
					delete(subMap, sub.id)
					if len(subMap) == 0 {
						delete(bus.subscribers, pattern)
					}
				}
			}
		})
	}
	return sub.channel, unsubscribe
}

// Publish delivers data to all subscribers whose pattern matches topic and returns how many received it.
func (bus *EventBus) Publish(topic string, data any) int {
	event := Event{Topic: topic, Data: data}

	bus.mu.RLock()
	defer bus.mu.RUnlock()

	delivered := 0
	for pattern, subMap := range bus.subscribers {
		if !matchTopic(pattern, topic) {
			continue
		}
		for _, sub := range subMap {
			if sub.send(event) {
				delivered++
			}
		}
	}
	return delivered
}

// CloseTopic removes all subscribers registered with exactly this pattern.
func (bus *EventBus) CloseTopic(pattern string) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	if subs, ok := bus.subscribers[pattern]; ok {
		for _, sub := range subs {
			sub.close()
		}
		delete(bus.subscribers, pattern)
	}
}

// Shutdown closes all subscribers and clears the bus.
func (bus *EventBus) Shutdown() {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	for _, subs := range bus.subscribers {
		for _, sub := range subs {
			sub.close()
		}
	}
	bus.subscribers = make(map[string]map[uint64]*subscriber)
}

func matchTopic(pattern, topic string) bool {
	if pattern == "" || topic == "" {
		return false
	}
	if pattern == "*" || pattern == topic {
		return true
	}
	patternParts := strings.Split(pattern, ".")
	topicParts := strings.Split(topic, ".")

	if len(patternParts) != len(topicParts) {
		return false
	}
	for i := range patternParts {
		if patternParts[i] == "*" {
			continue
		}
		if patternParts[i] != topicParts[i] {
			return false
		}
	}
	return true
}
