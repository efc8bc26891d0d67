// Package bus provides typed publish/subscribe channels. A Channel is a
// multi-subscriber, replay-free broadcast: every subscriber receives every
// value published after it subscribed, in publish order. Channels are the
// only cross-component signalling primitive in TaskMesh, keeping the engine
// transport-agnostic.
package bus

import (
	"errors"
	"sync"
)

// ErrClosed is returned when publishing on a completed channel.
var ErrClosed = errors.New("bus: channel closed")

// Mode selects the transport backing a channel. Only in-process broadcast is
// implemented here; a distributed mode would swap the fan-out for a broker
// topic without touching subscribers.
type Mode int

// Channel transport modes.
const (
	ModeInProcess Mode = iota
	ModeDistributed
)

// Channel is a typed broadcast channel. The zero value is not usable; use
// NewChannel.
type Channel[T any] struct {
	name string
	mode Mode

	mu     sync.Mutex
	seq    int
	subs   map[int]*subscriber[T]
	closed bool
}

// NewChannel creates a named broadcast channel.
func NewChannel[T any](name string, mode Mode) *Channel[T] {
	return &Channel[T]{name: name, mode: mode, subs: map[int]*subscriber[T]{}}
}

// Name returns the channel name.
func (c *Channel[T]) Name() string { return c.name }

// Publish broadcasts v to all current subscribers. Delivery is asynchronous
// per subscriber but preserves publish order within each subscriber.
func (c *Channel[T]) Publish(v T) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	subs := make([]*subscriber[T], 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.push(v)
	}
	return nil
}

// Subscribe registers a new subscriber and returns its delivery handle.
func (c *Channel[T]) Subscribe() *Subscription[T] {
	out := make(chan T, 16)
	sub := &Subscription[T]{ch: out}
	sub.cancel = c.subscribe(func(v T) { out <- v }, func() { close(out) })
	return sub
}

// SubscribeFunc invokes fn for every published value in order on a dedicated
// goroutine. The returned cancel function is idempotent.
func (c *Channel[T]) SubscribeFunc(fn func(T)) (cancel func()) {
	return c.subscribe(fn, nil)
}

// Once delivers the first published value matching pred on the returned
// channel (buffered, size 1), then unsubscribes. Cancel releases the
// subscription early; it is safe to call after delivery.
func (c *Channel[T]) Once(pred func(T) bool) (<-chan T, func()) {
	out := make(chan T, 1)
	var mu sync.Mutex
	var cancel func()
	done := false

	raw := c.subscribe(func(v T) {
		if pred != nil && !pred(v) {
			return
		}
		mu.Lock()
		if done {
			mu.Unlock()
			return
		}
		done = true
		cf := cancel
		mu.Unlock()
		out <- v
		if cf != nil {
			go cf()
		}
	}, nil)

	mu.Lock()
	cancel = raw
	delivered := done
	mu.Unlock()
	if delivered {
		go raw()
	}
	return out, raw
}

// Close completes the channel: pending values drain to subscribers, then all
// subscriptions terminate. Further publishes fail with ErrClosed.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = map[int]*subscriber[T]{}
	c.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (c *Channel[T]) subscribe(fn func(T), onStop func()) func() {
	s := newSubscriber(fn, onStop)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.stop()
		return func() {}
	}
	c.seq++
	id := c.seq
	c.subs[id] = s
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			s.stop()
		})
	}
}

// Subscription is a channel-based delivery handle.
type Subscription[T any] struct {
	ch     chan T
	cancel func()
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Cancel ends the subscription. Idempotent.
func (s *Subscription[T]) Cancel() { s.cancel() }

// subscriber is an unbounded in-order delivery pump. Publishers never block
// on slow consumers; the queue absorbs bursts.
type subscriber[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []T
	stopped bool
	fn      func(T)
	onStop  func()
}

func newSubscriber[T any](fn func(T), onStop func()) *subscriber[T] {
	s := &subscriber[T]{fn: fn, onStop: onStop}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber[T]) stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber[T]) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.stopped {
			s.mu.Unlock()
			if s.onStop != nil {
				s.onStop()
			}
			return
		}
		v := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.fn(v)
	}
}
