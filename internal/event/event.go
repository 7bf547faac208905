// Package event delivers pool lifecycle and refresh notifications to
// registered callbacks, decoupled from the operations that raise them.
package event

import (
	"sync"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Lifecycle reports a pool state transition.
type Lifecycle struct {
	Pool   string
	UUID   uuid.UUID
	Event  libvirt.StoragePoolEventLifecycleType
	Detail int
}

// Refresh reports that a pool's contents were rescanned.
type Refresh struct {
	Pool string
	UUID uuid.UUID
}

// LifecycleHandler receives pool state transitions.
type LifecycleHandler func(Lifecycle)

// RefreshHandler receives pool refresh notifications.
type RefreshHandler func(Refresh)

// State fans queued events out to registered handlers from a single
// dispatch goroutine, so handlers never run under driver or pool locks.
type State struct {
	mu        sync.Mutex
	nextID    int
	lifecycle map[int]LifecycleHandler
	refresh   map[int]RefreshHandler

	queue chan interface{}
	done  chan struct{}
}

// NewState starts the dispatcher.
func NewState() *State {
	s := &State{
		lifecycle: make(map[int]LifecycleHandler),
		refresh:   make(map[int]RefreshHandler),
		queue:     make(chan interface{}, 64),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *State) run() {
	defer close(s.done)
	for ev := range s.queue {
		switch ev := ev.(type) {
		case Lifecycle:
			for _, h := range s.lifecycleHandlers() {
				h(ev)
			}
		case Refresh:
			for _, h := range s.refreshHandlers() {
				h(ev)
			}
		}
	}
}

func (s *State) lifecycleHandlers() []LifecycleHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LifecycleHandler, 0, len(s.lifecycle))
	for _, h := range s.lifecycle {
		out = append(out, h)
	}
	return out
}

func (s *State) refreshHandlers() []RefreshHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RefreshHandler, 0, len(s.refresh))
	for _, h := range s.refresh {
		out = append(out, h)
	}
	return out
}

// RegisterLifecycle adds a handler and returns its registration id.
func (s *State) RegisterLifecycle(h LifecycleHandler) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.lifecycle[id] = h
	return id
}

// RegisterRefresh adds a handler and returns its registration id.
func (s *State) RegisterRefresh(h RefreshHandler) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.refresh[id] = h
	return id
}

// Deregister removes a handler by registration id.
func (s *State) Deregister(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lifecycle, id)
	delete(s.refresh, id)
}

// Queue enqueues an event for dispatch. Events are dropped, with a log
// line, rather than blocking an operation on a slow consumer.
func (s *State) Queue(ev interface{}) {
	select {
	case s.queue <- ev:
	default:
		logrus.Warn("storage event queue full, dropping event")
	}
}

// Close stops the dispatcher after draining queued events.
func (s *State) Close() {
	close(s.queue)
	<-s.done
}
