package event

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"exec_core/internal/domain"
)

// Publisher is what producers depend on.
type Publisher interface {
	Publish(ev Event)
}

// Notifier delivers alerts to the outside world (chat, pager, log).
type Notifier interface {
	Notify(ctx context.Context, a domain.Alert) error
}

// AlertCounter is satisfied by *infra.Metrics.
type AlertCounter interface {
	IncAlert(kind string)
}

type stamper interface {
	stamp(seq uint64, ts time.Time)
}

type subscriber struct {
	account string // empty receives every account
	ch      chan Event
	dropped atomic.Uint64
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose
// buffer is full loses the event and the drop is logged.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextID    uint64
	seq       atomic.Uint64
	notifiers []Notifier
	counter   AlertCounter
	now       func() time.Time

	notifyTimeout time.Duration
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:          make(map[uint64]*subscriber),
		now:           time.Now,
		notifyTimeout: 5 * time.Second,
	}
}

// AddNotifier registers an alert sink. Must be called before Publish.
func (b *Bus) AddNotifier(n Notifier) {
	b.mu.Lock()
	b.notifiers = append(b.notifiers, n)
	b.mu.Unlock()
}

// SetAlertCounter wires alert metrics.
func (b *Bus) SetAlertCounter(c AlertCounter) {
	b.mu.Lock()
	b.counter = c
	b.mu.Unlock()
}

// Subscribe returns a channel of events for account ("" for all accounts)
// and a cancel func that unsubscribes and closes the channel. Events with no
// account reach every subscriber.
func (b *Bus) Subscribe(account string, buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	s := &subscriber{account: account, ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish stamps ev with the next sequence number and delivers it.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	if st, ok := ev.(stamper); ok {
		st.stamp(b.seq.Add(1), b.now())
	}

	b.mu.RLock()
	for _, s := range b.subs {
		if acct := ev.GetAccount(); s.account != "" && acct != "" && s.account != acct {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
				slog.Warn("event subscriber lagging, dropping events",
					slog.String("account", s.account),
					slog.String("type", ev.GetType().String()),
					slog.Uint64("dropped", n))
			}
		}
	}
	notifiers := b.notifiers
	counter := b.counter
	b.mu.RUnlock()

	if a, ok := ev.(*AlertEvent); ok {
		if counter != nil {
			counter.IncAlert(string(a.Alert.Kind))
		}
		b.notify(a.Alert, notifiers)
	}
}

func (b *Bus) notify(a domain.Alert, notifiers []Notifier) {
	for _, n := range notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), b.notifyTimeout)
		if err := n.Notify(ctx, a); err != nil {
			slog.Error("alert notification failed",
				slog.String("kind", string(a.Kind)),
				slog.Any("error", err))
		}
		cancel()
	}
}

// LastSeq returns the sequence number of the most recent event.
func (b *Bus) LastSeq() uint64 {
	return b.seq.Load()
}
