package usecase

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jigsawhub/puzzle-hub/domains/puzzle"
	"github.com/jigsawhub/puzzle-hub/metrics"
)

// PublishFunc delivers one coalesced cursor sample to the session group.
type PublishFunc func(ev puzzle.CursorEvent)

// CursorPipeline is a per-connection coalescing queue: a capacity-1
// latest-wins slot drained by a dedicated task at most once per window.
// The router starts one instance per connection when it joins a session
// and closes it during that connection's cleanup.
type CursorPipeline struct {
	ch      chan puzzle.CursorEvent
	stop    chan struct{}
	done    chan struct{}
	window  time.Duration
	publish PublishFunc
	// limiter is a backstop against the drain loop over-publishing under a
	// misbehaving clock; the window timer in run already enforces the
	// steady-state rate.
	limiter   *rate.Limiter
	closeOnce sync.Once
}

// NewCursorPipeline starts the drain goroutine and returns the pipeline.
func NewCursorPipeline(window time.Duration, publish PublishFunc) *CursorPipeline {
	p := &CursorPipeline{
		ch:      make(chan puzzle.CursorEvent, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		window:  window,
		publish: publish,
		limiter: rate.NewLimiter(rate.Every(window), 2),
	}
	go p.run()
	return p
}

// Push enqueues ev, overwriting any pending unsent sample. Never blocks
// and never fails visibly.
func (p *CursorPipeline) Push(ev puzzle.CursorEvent) {
	select {
	case p.ch <- ev:
		return
	default:
	}
	select {
	case <-p.ch:
		metrics.CursorEventsDroppedTotal.Inc()
	default:
	}
	select {
	case p.ch <- ev:
	default:
	}
}

// Close stops the drain task and waits for it to exit.
func (p *CursorPipeline) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)
	})
	<-p.done
}

func (p *CursorPipeline) run() {
	defer close(p.done)

	for {
		var ev puzzle.CursorEvent
		select {
		case <-p.stop:
			return
		case ev = <-p.ch:
		}
		p.drainLatest(&ev)
		p.emit(ev)

		timer := time.NewTimer(p.window)
		armed := true
		for armed {
			select {
			case <-p.stop:
				timer.Stop()
				return
			case <-timer.C:
				select {
				case ev = <-p.ch:
					p.drainLatest(&ev)
					p.emit(ev)
					timer.Reset(p.window)
				default:
					armed = false
				}
			}
		}
	}
}

func (p *CursorPipeline) drainLatest(ev *puzzle.CursorEvent) {
	for {
		select {
		case newer := <-p.ch:
			*ev = newer
		default:
			return
		}
	}
}

func (p *CursorPipeline) emit(ev puzzle.CursorEvent) {
	if !p.limiter.Allow() {
		return
	}
	metrics.CursorEventsEmittedTotal.Inc()
	p.publish(ev)
}
