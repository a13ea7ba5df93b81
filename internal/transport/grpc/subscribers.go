package grpc

import (
	"sync"

	"github.com/example/ccos-lite/internal/domain"
)

// EventBroadcaster fans committed ledger actions out to plan watchers. It
// is registered as an observer on the causal chain.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscriber]struct{} // planID -> subscribers
}

// Subscriber represents a single subscription to a plan's actions. Lagged
// is signalled when an action could not be buffered; the watcher must then
// catch up from the ledger.
type Subscriber struct {
	PlanID     string
	TypeFilter map[domain.ActionType]struct{}
	Events     chan *domain.Action
	Lagged     chan struct{}
}

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		subscribers: make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe registers a watcher for planID. An empty types list receives
// every action.
func (b *EventBroadcaster) Subscribe(planID string, types []domain.ActionType) *Subscriber {
	sub := &Subscriber{
		PlanID: planID,
		Events: make(chan *domain.Action, 100), // Buffered channel for backpressure
		Lagged: make(chan struct{}, 1),
	}
	if len(types) > 0 {
		sub.TypeFilter = make(map[domain.ActionType]struct{}, len(types))
		for _, t := range types {
			sub.TypeFilter[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[planID] == nil {
		b.subscribers[planID] = make(map[*Subscriber]struct{})
	}
	b.subscribers[planID][sub] = struct{}{}

	return sub
}

// Unsubscribe removes a subscription.
func (b *EventBroadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subscribers[sub.PlanID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subscribers, sub.PlanID)
		}
	}
}

// ActionAppended broadcasts a committed action to the plan's subscribers.
func (b *EventBroadcaster) ActionAppended(a *domain.Action) {
	b.mu.RLock()
	subs := b.subscribers[a.PlanID]
	if len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	// Copy subscriber list to avoid holding lock during send
	subList := make([]*Subscriber, 0, len(subs))
	for sub := range subs {
		subList = append(subList, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subList {
		if !sub.shouldReceive(a) {
			continue
		}
		select {
		case sub.Events <- a:
		default:
			sub.lag()
		}
	}
}

// shouldReceive applies the type filter. Terminal plan actions always pass
// so watchers learn when to stop.
func (s *Subscriber) shouldReceive(a *domain.Action) bool {
	if isTerminal(a) || len(s.TypeFilter) == 0 {
		return true
	}
	_, ok := s.TypeFilter[a.Type]
	return ok
}

func isTerminal(a *domain.Action) bool {
	st, ok := a.Type.PlanStatus()
	return ok && st.IsFinal()
}

func (s *Subscriber) lag() {
	select {
	case s.Lagged <- struct{}{}:
	default:
	}
}

// subscriberCount returns the number of subscribers for a plan.
func (b *EventBroadcaster) subscriberCount(planID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[planID])
}
