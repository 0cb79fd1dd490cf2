package stream

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"tradegate/internal/metrics"
	"tradegate/logger"
	"tradegate/models"
)

// Handler receives routed messages for one topic. Handlers run on the
// subscription's own goroutine, never on the read loop.
type Handler func(models.StreamMessage)

// subscription is one registry entry. Its mailbox decouples the read loop
// from the handler.
type subscription struct {
	topic   string
	handler Handler
	mailbox chan models.StreamMessage
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
	panics  atomic.Int64
}

func newSubscription(topic string, handler Handler, size int) *subscription {
	return &subscription{
		topic:   topic,
		handler: handler,
		mailbox: make(chan models.StreamMessage, size),
		done:    make(chan struct{}),
	}
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// deliver hands msg to the mailbox, waiting at most budget when it is full.
// It reports whether the message was accepted.
func (s *subscription) deliver(msg models.StreamMessage, budget time.Duration) bool {
	select {
	case s.mailbox <- msg:
		return true
	case <-s.done:
		return false
	default:
	}
	if budget <= 0 {
		s.dropped.Add(1)
		return false
	}
	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case s.mailbox <- msg:
		return true
	case <-s.done:
		return false
	case <-timer.C:
		s.dropped.Add(1)
		return false
	}
}

// run drains the mailbox until the subscription is closed.
func (s *subscription) run(wg *sync.WaitGroup, log *logger.Log, stream string) {
	defer wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.mailbox:
			s.invoke(msg, log, stream)
		}
	}
}

func (s *subscription) invoke(msg models.StreamMessage, log *logger.Log, stream string) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			metrics.IncrementHandlerPanic(s.topic)
			log.WithComponent("stream_manager").WithFields(logger.Fields{
				"stream": stream,
				"topic":  s.topic,
				"panic":  fmt.Sprint(r),
				"stack":  string(debug.Stack()),
			}).Error("subscription handler panicked")
		}
	}()
	s.handler(msg)
}
