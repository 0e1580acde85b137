package server

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	RealtimeEventTallyChanged = "tally-change"
	realtimeEventHeartbeat    = "heartbeat"
	realtimeSourceBackend     = "civicpulse-backend"

	// TopicAllTallies receives every tally change.
	TopicAllTallies = "*"
)

// TallyEvent announces that the counters of MessageIDs moved.
type TallyEvent struct {
	EventType  string
	MessageIDs []string
	Timestamp  time.Time
}

// TallyDispatcher fans tally changes out to stream subscribers. A subscriber
// listens either to one message id or to TopicAllTallies. Slow subscribers miss
// events rather than block vote processing.
type TallyDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan TallyEvent
}

func NewTallyDispatcher() *TallyDispatcher {
	return &TallyDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Subscribe registers a stream for topic until ctx ends or the returned cleanup runs.
func (d *TallyDispatcher) Subscribe(ctx context.Context, topic string) (<-chan TallyEvent, func()) {
	if topic == "" {
		ch := make(chan TallyEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan TallyEvent, d.bufferSize),
	}
	d.registerSubscriber(topic, subscriber)
	var once sync.Once
	done := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			close(done)
			d.unregisterSubscriber(topic, subscriber.id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return subscriber.stream, cleanup
}

// PublishTallies implements votes.TallyPublisher.
func (d *TallyDispatcher) PublishTallies(messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}
	ids := append([]string(nil), messageIDs...)
	sort.Strings(ids)
	now := d.clock().UTC()

	d.deliver(TopicAllTallies, TallyEvent{EventType: RealtimeEventTallyChanged, MessageIDs: ids, Timestamp: now})
	for _, id := range ids {
		d.deliver(id, TallyEvent{EventType: RealtimeEventTallyChanged, MessageIDs: []string{id}, Timestamp: now})
	}
}

func (d *TallyDispatcher) deliver(topic string, event TallyEvent) {
	d.mu.RLock()
	subscribers := d.subscribers[topic]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *TallyDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *TallyDispatcher) registerSubscriber(topic string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[topic][subscriber.id] = subscriber
}

func (d *TallyDispatcher) unregisterSubscriber(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}

func (d *TallyDispatcher) subscriberCount(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}
