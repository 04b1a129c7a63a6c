package channel

import (
	"sync"
)

// hub fans events out to subscribers. Every subscriber owns an unbounded
// queue drained by its own goroutine, so a slow handler never blocks the
// channel and never sees events out of order.
type hub[T any] struct {
	mx   *sync.Mutex
	next int
	subs map[int]*subscriber[T]
}

func newHub[T any]() *hub[T] {
	return &hub[T]{
		mx:   &sync.Mutex{},
		subs: make(map[int]*subscriber[T]),
	}
}

func (h *hub[T]) subscribe(fn func(T)) func() {
	sub := &subscriber[T]{
		mx:   &sync.Mutex{},
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	h.mx.Lock()
	id := h.next
	h.next++
	h.subs[id] = sub
	h.mx.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mx.Lock()
			delete(h.subs, id)
			h.mx.Unlock()
			close(sub.done)
		})
	}
}

// publish never blocks.
func (h *hub[T]) publish(ev T) {
	h.mx.Lock()
	defer h.mx.Unlock()
	for _, sub := range h.subs {
		sub.push(ev)
	}
}

type subscriber[T any] struct {
	mx    *sync.Mutex
	queue []T
	fn    func(T)
	wake  chan struct{}
	done  chan struct{}
}

func (s *subscriber[T]) push(ev T) {
	s.mx.Lock()
	s.queue = append(s.queue, ev)
	s.mx.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mx.Lock()
			if len(s.queue) == 0 {
				s.mx.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mx.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.fn(ev)
		}
	}
}
