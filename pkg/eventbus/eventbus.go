// Package eventbus is the Event Bus (C5): topic-scoped fan-out of
// progress/status/error events to WebSocket subscribers. Grounded on
// bobmcallan-vire's internal/services/jobmanager/websocket.go hub
// (register/unregister/broadcast channels, slow-client eviction,
// ping-based heartbeat) generalized from one global job feed to the
// topic model spec.md's event bus calls for
// (collection:<name>, job:<id>, and a global "events" feed), and on
// original_source's collections_ws.py ConnectionManager for the
// per-topic connection bookkeeping and message envelope shape.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	globalTopic       = "events"
	subscriberBufSize = 256
	heartbeatInterval = 30 * time.Second
)

// Event is one message published to a topic.
type Event struct {
	Type       string      `json:"type"`
	Topic      string      `json:"topic"`
	Collection string      `json:"collection,omitempty"`
	JobID      string      `json:"job_id,omitempty"`
	Data       interface{} `json:"data,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

func collectionTopic(name string) string { return "collection:" + name }
func jobTopic(id string) string           { return "job:" + id }

// Subscriber is a single registered listener. Its Send channel
// receives encoded JSON messages in publish order for every topic it
// is subscribed to; a slow subscriber that doesn't drain fast enough
// is disconnected rather than blocking the publisher.
type Subscriber struct {
	id     uint64
	Send   chan []byte
	topics map[string]bool
}

// Bus is the process-wide event hub. One Bus instance serves every
// collection and job topic; subscribers pick their topics at Subscribe
// time.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscriber
	byTopic     map[string]map[uint64]bool
	nextID      uint64

	publish chan published
	stop    chan struct{}
	wg      sync.WaitGroup
}

type published struct {
	topic string
	event Event
}

func New() *Bus {
	return &Bus{
		subscribers: map[uint64]*Subscriber{},
		byTopic:     map[string]map[uint64]bool{},
		publish:     make(chan published, 1024),
		stop:        make(chan struct{}),
	}
}

// Run starts the bus's serial dispatch loop (ordering guarantee within
// a topic comes from dispatching one published event at a time).
func (b *Bus) Run() {
	b.wg.Add(1)
	go b.loop()
}

func (b *Bus) Stop() {
	close(b.stop)
	b.wg.Wait()
}

func (b *Bus) loop() {
	defer b.wg.Done()
	for {
		select {
		case p := <-b.publish:
			b.dispatch(p.topic, p.event)
		case <-b.stop:
			return
		}
	}
}

func (b *Bus) dispatch(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	b.mu.RLock()
	ids := b.byTopic[topic]
	global := b.byTopic[globalTopic]
	targets := make([]*Subscriber, 0, len(ids)+len(global))
	seen := map[uint64]bool{}
	for id := range ids {
		if sub, ok := b.subscribers[id]; ok && !seen[id] {
			targets = append(targets, sub)
			seen[id] = true
		}
	}
	if topic != globalTopic {
		for id := range global {
			if sub, ok := b.subscribers[id]; ok && !seen[id] {
				targets = append(targets, sub)
				seen[id] = true
			}
		}
	}
	b.mu.RUnlock()

	var slow []uint64
	for _, sub := range targets {
		select {
		case sub.Send <- data:
		default:
			slow = append(slow, sub.id)
		}
	}
	for _, id := range slow {
		b.disconnect(id)
	}
}

// publishTo enqueues an event for asynchronous dispatch, dropping it
// if the publish channel is saturated rather than blocking the
// indexing/watcher goroutine that produced it.
func (b *Bus) publishTo(topic string, event Event) {
	event.Timestamp = time.Now()
	event.Topic = topic
	select {
	case b.publish <- published{topic: topic, event: event}:
	default:
	}
}

// PublishCollectionEvent sends a progress/status/error event for one
// collection, per spec.md §5's collection:<name> topic.
func (b *Bus) PublishCollectionEvent(collection, eventType string, data interface{}) {
	b.publishTo(collectionTopic(collection), Event{Type: eventType, Collection: collection, Data: data})
}

// PublishJobEvent sends an event for one job's topic.
func (b *Bus) PublishJobEvent(jobID, eventType string, data interface{}) {
	b.publishTo(jobTopic(jobID), Event{Type: eventType, JobID: jobID, Data: data})
}

// PublishGlobal sends an event on the global "events" feed, visible to
// every subscriber regardless of topic.
func (b *Bus) PublishGlobal(eventType string, data interface{}) {
	b.publishTo(globalTopic, Event{Type: eventType, Data: data})
}

// Subscribe registers a new subscriber for the named topics
// ("collection:<name>", "job:<id>", or "events" for the global feed)
// and returns it; call Unsubscribe when the connection closes.
func (b *Bus) Subscribe(topics ...string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscriber{
		id:     b.nextID,
		Send:   make(chan []byte, subscriberBufSize),
		topics: map[string]bool{},
	}
	for _, t := range topics {
		sub.topics[t] = true
		if b.byTopic[t] == nil {
			b.byTopic[t] = map[uint64]bool{}
		}
		b.byTopic[t][sub.id] = true
	}
	b.subscribers[sub.id] = sub
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.disconnect(sub.id)
}

func (b *Bus) disconnect(id uint64) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subscribers, id)
	for t := range sub.topics {
		delete(b.byTopic[t], id)
		if len(b.byTopic[t]) == 0 {
			delete(b.byTopic, t)
		}
	}
	b.mu.Unlock()
	close(sub.Send)
}

// SubscriberCount reports how many subscribers are listening on topic,
// used by the queue/stats-style diagnostics endpoint.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byTopic[topic])
}

// HeartbeatInterval is exposed so the WebSocket transport layer
// (pkg/server) can drive its ping ticker on the same cadence this
// package was designed around.
func HeartbeatInterval() time.Duration { return heartbeatInterval }

// CollectionTopic and JobTopic let callers outside this package
// (pkg/server) build the right topic name without duplicating the
// "collection:"/"job:" prefix convention.
func CollectionTopic(name string) string { return collectionTopic(name) }
func JobTopic(id string) string          { return jobTopic(id) }
func GlobalTopic() string                { return globalTopic }
