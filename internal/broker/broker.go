// Package broker matches concurrent callers to the replies of a single,
// strictly FIFO worker pipeline.
//
// The wire protocol carries no request identifiers. A reply always
// resolves the oldest pending request, so the queue order must equal the
// order requests were written to the worker. A request that times out is
// removed from the queue; if the worker later answers it, that reply
// resolves the next request in line. This is a known hazard of positional
// correlation and is kept deliberately: the worker protocol offers nothing
// better to key on.
package broker

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/licenseai-gateway/internal/logger"
	"github.com/dj-oyu/licenseai-gateway/internal/metrics"
	"github.com/dj-oyu/licenseai-gateway/internal/protocol"
)

var log = logger.For("Broker")

// DefaultTimeout applies when Submit is called with a non-positive timeout
const DefaultTimeout = 30 * time.Second

var (
	// ErrServiceUnavailable means no live worker was attached at submit time
	ErrServiceUnavailable = errors.New("service not available")
	// ErrWriteFailed means the request could not be written to the worker
	ErrWriteFailed = errors.New("write to worker failed")
	// ErrRequestTimeout means no reply arrived within the request's timeout
	ErrRequestTimeout = errors.New("request timeout")
	// ErrServiceDisconnected means the worker exited while the request was pending
	ErrServiceDisconnected = errors.New("service disconnected")
)

// Conn is the worker input stream as seen by the broker
type Conn interface {
	Write(p []byte) error
	Alive() bool
}

type outcome struct {
	raw json.RawMessage
	err error
}

// pending is one request awaiting a worker reply. elem is non-nil exactly
// while the request sits in the queue; whoever clears it owns settlement.
type pending struct {
	action   string
	enqueued time.Time
	elem     *list.Element
	timer    *time.Timer
	done     chan outcome
}

func (p *pending) settle(o outcome) {
	// done has capacity 1 and is written once, so this never blocks
	p.done <- o
}

// Broker owns the request queue for the attached worker generation
type Broker struct {
	metrics *metrics.Metrics

	// sendMu serialises enqueue+write so queue order equals write order
	sendMu sync.Mutex

	mu    sync.Mutex
	queue *list.List
	conn  Conn
	gen   uint64
}

// Option configures a Broker
type Option func(*Broker)

// WithMetrics records request outcomes and queue depth into m
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// New creates a Broker with no worker attached
func New(opts ...Option) *Broker {
	b := &Broker{queue: list.New()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach makes conn the current worker for generation gen. Any requests
// still queued from a previous generation are failed as disconnected.
func (b *Broker) Attach(gen uint64, conn Conn) {
	b.mu.Lock()
	stale := b.drainLocked()
	b.conn = conn
	b.gen = gen
	b.mu.Unlock()

	b.fail(stale, ErrServiceDisconnected)
	log.Debug("Attached worker generation %d", gen)
}

// Detach drops the worker of generation gen and fails every pending
// request, oldest first, with ErrServiceDisconnected. It returns the number
// of requests failed. Detaching a stale generation is a no-op.
func (b *Broker) Detach(gen uint64) int {
	b.mu.Lock()
	if gen != b.gen || b.conn == nil {
		b.mu.Unlock()
		return 0
	}
	b.conn = nil
	drained := b.drainLocked()
	b.mu.Unlock()

	b.fail(drained, ErrServiceDisconnected)
	if len(drained) > 0 {
		log.Warn("Worker generation %d disconnected, failed %d pending request(s)", gen, len(drained))
	}
	return len(drained)
}

// Deliver resolves the oldest pending request with msg. Messages from a
// generation other than the attached one, or arriving with an empty queue,
// are discarded.
func (b *Broker) Deliver(gen uint64, msg json.RawMessage) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		log.Warn("Discarding reply from stale worker generation %d (current %d)", gen, b.gen)
		return
	}
	front := b.queue.Front()
	if front == nil {
		b.mu.Unlock()
		b.metrics.IncStrayReplies()
		log.Warn("Discarding uncorrelated worker reply (%d bytes): no pending request", len(msg))
		return
	}
	p := front.Value.(*pending)
	b.removeLocked(p)
	b.mu.Unlock()

	p.settle(outcome{raw: msg})
}

// Submit writes req to the worker and waits for the reply that answers it.
//
// Cancelling ctx abandons the wait but not the request: the queue slot is
// kept until a reply, timeout or disconnect consumes it, so the positions of
// later requests stay correct.
func (b *Broker) Submit(ctx context.Context, req protocol.Request, timeout time.Duration) (protocol.Reply, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	line, err := protocol.Encode(req)
	if err != nil {
		return protocol.Reply{}, err
	}

	// Checked again under sendMu; this only keeps a detached or dead worker
	// from parking callers behind a write that is stuck on a full pipe.
	if !b.connected() {
		b.metrics.ObserveRequest(req.Action, metrics.OutcomeUnavailable, 0)
		return protocol.Reply{}, ErrServiceUnavailable
	}

	b.sendMu.Lock()

	b.mu.Lock()
	conn := b.conn
	if conn == nil || !conn.Alive() {
		b.mu.Unlock()
		b.sendMu.Unlock()
		b.metrics.ObserveRequest(req.Action, metrics.OutcomeUnavailable, 0)
		return protocol.Reply{}, ErrServiceUnavailable
	}
	p := &pending{
		action:   req.Action,
		enqueued: time.Now(),
		done:     make(chan outcome, 1),
	}
	p.elem = b.queue.PushBack(p)
	p.timer = time.AfterFunc(timeout, func() { b.expire(p) })
	b.metrics.SetQueueDepth(b.queue.Len())
	b.mu.Unlock()

	werr := conn.Write(line)
	b.sendMu.Unlock()

	if werr != nil && b.remove(p) {
		p.settle(outcome{err: fmt.Errorf("%w: %v", ErrWriteFailed, werr)})
	}

	select {
	case o := <-p.done:
		return b.finish(p, o)
	case <-ctx.Done():
		b.metrics.ObserveRequest(req.Action, metrics.OutcomeAbandoned, time.Since(p.enqueued))
		return protocol.Reply{}, ctx.Err()
	}
}

// Notify writes req without queueing a pending entry. It is meant for
// messages the worker never answers, such as exit.
func (b *Broker) Notify(req protocol.Request) error {
	line, err := protocol.Encode(req)
	if err != nil {
		return err
	}

	if !b.connected() {
		return ErrServiceUnavailable
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil || !conn.Alive() {
		return ErrServiceUnavailable
	}
	if err := conn.Write(line); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// Pending returns the number of requests awaiting a reply
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}

func (b *Broker) connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.conn.Alive()
}

func (b *Broker) finish(p *pending, o outcome) (protocol.Reply, error) {
	elapsed := time.Since(p.enqueued)
	if o.err != nil {
		b.metrics.ObserveRequest(p.action, outcomeLabel(o.err), elapsed)
		return protocol.Reply{}, o.err
	}

	reply, err := protocol.ParseReply(o.raw)
	switch {
	case err != nil:
		b.metrics.ObserveRequest(p.action, metrics.OutcomeMalformed, elapsed)
		return reply, err
	case reply.Failed():
		b.metrics.ObserveRequest(p.action, metrics.OutcomeWorkerError, elapsed)
	default:
		b.metrics.ObserveRequest(p.action, metrics.OutcomeOK, elapsed)
	}
	return reply, nil
}

func (b *Broker) expire(p *pending) {
	if !b.remove(p) {
		return
	}
	log.Warn("Request %q timed out after %s", p.action, time.Since(p.enqueued).Round(time.Millisecond))
	p.settle(outcome{err: ErrRequestTimeout})
}

// remove takes p out of the queue. It reports false if p was already removed.
func (b *Broker) remove(p *pending) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(p)
}

func (b *Broker) removeLocked(p *pending) bool {
	if p.elem == nil {
		return false
	}
	b.queue.Remove(p.elem)
	p.elem = nil
	p.timer.Stop()
	b.metrics.SetQueueDepth(b.queue.Len())
	return true
}

func (b *Broker) drainLocked() []*pending {
	if b.queue.Len() == 0 {
		return nil
	}
	drained := make([]*pending, 0, b.queue.Len())
	for e := b.queue.Front(); e != nil; e = e.Next() {
		p := e.Value.(*pending)
		p.elem = nil
		p.timer.Stop()
		drained = append(drained, p)
	}
	b.queue.Init()
	b.metrics.SetQueueDepth(0)
	return drained
}

func (b *Broker) fail(ps []*pending, err error) {
	for _, p := range ps {
		p.settle(outcome{err: err})
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrRequestTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, ErrServiceDisconnected):
		return metrics.OutcomeDisconnected
	case errors.Is(err, ErrWriteFailed):
		return metrics.OutcomeWriteFailed
	default:
		return metrics.OutcomeUnavailable
	}
}
