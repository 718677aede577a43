package capture

import "sync"

// eventLoop is the per-session goroutine that drains driver events. It is
// the Emitter handed to drivers.
type eventLoop struct {
	events   chan Event
	done     chan struct{}
	finished chan struct{}

	// mu orders Emit against stop: once closed is set no event can enter
	// the channel anymore.
	mu     sync.RWMutex
	closed bool
}

func newEventLoop() *eventLoop {
	return &eventLoop{
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Emit implements Emitter.
func (l *eventLoop) Emit(ev Event) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.events <- ev:
		return true
	case <-l.done:
		return false
	}
}

func (l *eventLoop) run(handle func(Event, Emitter)) {
	defer close(l.finished)
	for {
		select {
		case <-l.done:
			return
		case ev := <-l.events:
			handle(ev, l)
		}
	}
}

// stop ends the goroutine, waits for it and releases undelivered frames.
// It must not be called from the loop goroutine.
func (l *eventLoop) stop() {
	close(l.done)
	<-l.finished

	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	for {
		select {
		case ev := <-l.events:
			if ev.Image != nil {
				_ = ev.Image.Close()
			}
			if ev.Device != nil {
				_ = ev.Device.Close()
			}
			if ev.Stream != nil {
				_ = ev.Stream.Close()
			}
		default:
			return
		}
	}
}
