package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/licenseai-gateway/internal/metrics"
	"github.com/dj-oyu/licenseai-gateway/internal/protocol"
)

// fakeConn records written lines and can be told to fail or die
type fakeConn struct {
	mu      sync.Mutex
	lines   []string
	dead    bool
	failErr error
	written chan string
}

func newFakeConn() *fakeConn {
	return &fakeConn{written: make(chan string, 64)}
}

func (c *fakeConn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	c.lines = append(c.lines, string(p))
	c.written <- string(p)
	return nil
}

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead
}

func (c *fakeConn) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

// stuckConn blocks every Write until release is closed, like a worker whose
// stdin pipe is full
type stuckConn struct {
	entered chan struct{}
	release chan struct{}
}

func newStuckConn() *stuckConn {
	return &stuckConn{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (c *stuckConn) Write([]byte) error {
	c.entered <- struct{}{}
	<-c.release
	return errors.New("broken pipe")
}

func (c *stuckConn) Alive() bool { return true }

type result struct {
	reply protocol.Reply
	err   error
}

func submitAsync(b *Broker, req protocol.Request, timeout time.Duration) <-chan result {
	ch := make(chan result, 1)
	go func() {
		r, err := b.Submit(context.Background(), req, timeout)
		ch <- result{r, err}
	}()
	return ch
}

func waitWritten(t *testing.T, c *fakeConn) string {
	t.Helper()
	select {
	case line := <-c.written:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("request was never written")
		return ""
	}
}

func waitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("submit never resolved")
		return result{}
	}
}

func TestSubmitWithoutWorker(t *testing.T) {
	b := New()
	_, err := b.Submit(context.Background(), protocol.Ping(), time.Second)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Zero(t, b.Pending())
}

func TestSubmitDeadConn(t *testing.T) {
	b := New()
	c := newFakeConn()
	c.dead = true
	b.Attach(1, c)

	_, err := b.Submit(context.Background(), protocol.Ping(), time.Second)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Empty(t, c.Lines())
}

func TestRepliesResolveInFIFOOrder(t *testing.T) {
	b := New()
	c := newFakeConn()
	b.Attach(1, c)

	paths := []string{"/tmp/a.png", "/tmp/b.png", "/tmp/c.png"}
	var results []<-chan result
	for _, p := range paths {
		results = append(results, submitAsync(b, protocol.Process(p), time.Second))
		waitWritten(t, c)
	}
	require.Equal(t, 3, b.Pending())

	for i := range paths {
		b.Deliver(1, json.RawMessage(`{"image":"`+string(rune('A'+i))+`"}`))
	}

	for i, ch := range results {
		r := waitResult(t, ch)
		require.NoError(t, r.err)
		assert.Equal(t, string(rune('A'+i)), r.reply.Image)
	}
	assert.Zero(t, b.Pending())
}

func TestWrittenLinesMatchSubmitOrder(t *testing.T) {
	b := New()
	c := newFakeConn()
	b.Attach(1, c)

	for _, p := range []string{"/1", "/2"} {
		submitAsync(b, protocol.Process(p), time.Second)
		waitWritten(t, c)
	}
	assert.Equal(t, []string{
		`{"action":"process","image_path":"/1"}` + "\n",
		`{"action":"process","image_path":"/2"}` + "\n",
	}, c.Lines())
	b.Detach(1)
}

// A reply that arrives after its request timed out resolves the next one.
func TestLateReplyResolvesNextRequest(t *testing.T) {
	b := New()
	c := newFakeConn()
	b.Attach(1, c)

	a := submitAsync(b, protocol.Process("/a"), 10*time.Millisecond)
	waitWritten(t, c)
	bb := submitAsync(b, protocol.Process("/b"), time.Second)
	waitWritten(t, c)

	ra := waitResult(t, a)
	assert.ErrorIs(t, ra.err, ErrRequestTimeout)
	assert.Equal(t, 1, b.Pending())

	// The worker's answer to /a
	b.Deliver(1, json.RawMessage(`{"image":"for-a"}`))

	rb := waitResult(t, bb)
	require.NoError(t, rb.err)
	assert.Equal(t, "for-a", rb.reply.Image)
}

func TestMidQueueTimeoutKeepsOrder(t *testing.T) {
	b := New()
	c := newFakeConn()
	b.Attach(1, c)

	first := submitAsync(b, protocol.Process("/1"), time.Second)
	waitWritten(t, c)
	middle := submitAsync(b, protocol.Process("/2"), 10*time.Millisecond)
	waitWritten(t, c)
	last := submitAsync(b, protocol.Process("/3"), time.Second)
	waitWritten(t, c)

	assert.ErrorIs(t, waitResult(t, middle).err, ErrRequestTimeout)
	require.Equal(t, 2, b.Pending())

	b.Deliver(1, json.RawMessage(`{"image":"one"}`))
	b.Deliver(1, json.RawMessage(`{"image":"two"}`))

	assert.Equal(t, "one", waitResult(t, first).reply.Image)
	assert.Equal(t, "two", waitResult(t, last).reply.Image)
}

func TestWriteFailureRemovesEntry(t *testing.T) {
	b := New()
	c := newFakeConn()
	c.failErr = errors.New("broken pipe")
	b.Attach(1, c)

	_, err := b.Submit(context.Background(), protocol.Ping(), time.Second)
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Zero(t, b.Pending())
}

func TestDetachFailsAllPending(t *testing.T) {
	m := metrics.New()
	b := New(WithMetrics(m))
	c := newFakeConn()
	b.Attach(1, c)

	var results []<-chan result
	for i := 0; i < 3; i++ {
		results = append(results, submitAsync(b, protocol.Ping(), time.Minute))
		waitWritten(t, c)
	}

	assert.Equal(t, 3, b.Detach(1))
	for _, ch := range results {
		assert.ErrorIs(t, waitResult(t, ch).err, ErrServiceDisconnected)
	}
	assert.Zero(t, b.Pending())
	assert.Zero(t, m.QueueDepth.Load())
	// one series: {action="ping",outcome="disconnected"}
	assert.Equal(t, 1, testutil.CollectAndCount(m.Registry(), "licenseai_worker_requests_total"))

	_, err := b.Submit(context.Background(), protocol.Ping(), time.Second)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestDetachedBrokerFailsFastDuringStuckWrite(t *testing.T) {
	b := New()
	c := newStuckConn()
	b.Attach(1, c)

	first := submitAsync(b, protocol.Process("/tmp/a.png"), time.Minute)
	select {
	case <-c.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("write never started")
	}

	assert.Equal(t, 1, b.Detach(1))

	select {
	case r := <-submitAsync(b, protocol.Process("/tmp/b.png"), time.Minute):
		assert.ErrorIs(t, r.err, ErrServiceUnavailable)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("submit blocked behind the stuck write")
	}
	assert.ErrorIs(t, b.Notify(protocol.Exit()), ErrServiceUnavailable)

	close(c.release)
	assert.ErrorIs(t, waitResult(t, first).err, ErrServiceDisconnected)
	assert.Zero(t, b.Pending())
}

func TestStrayReplyDiscarded(t *testing.T) {
	m := metrics.New()
	b := New(WithMetrics(m))
	b.Attach(1, newFakeConn())

	b.Deliver(1, json.RawMessage(`{"status":"ok"}`))
	assert.Equal(t, uint64(1), m.StrayReplies.Load())
	assert.Zero(t, b.Pending())
}

func TestStaleGenerationIgnored(t *testing.T) {
	b := New()
	old := newFakeConn()
	b.Attach(1, old)
	cur := newFakeConn()
	b.Attach(2, cur)

	ch := submitAsync(b, protocol.Ping(), time.Second)
	waitWritten(t, cur)

	b.Deliver(1, json.RawMessage(`{"status":"stale"}`))
	assert.Zero(t, b.Detach(1))
	assert.Equal(t, 1, b.Pending())

	b.Deliver(2, json.RawMessage(`{"status":"ok"}`))
	r := waitResult(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, "ok", r.reply.Status)
}

func TestAttachFailsLeftovers(t *testing.T) {
	b := New()
	c := newFakeConn()
	b.Attach(1, c)
	ch := submitAsync(b, protocol.Ping(), time.Minute)
	waitWritten(t, c)

	b.Attach(2, newFakeConn())
	assert.ErrorIs(t, waitResult(t, ch).err, ErrServiceDisconnected)
}

func TestCancelledContextKeepsSlot(t *testing.T) {
	b := New()
	c := newFakeConn()
	b.Attach(1, c)

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := b.Submit(ctx, protocol.Process("/gone"), time.Second)
		abandoned <- err
	}()
	waitWritten(t, c)
	cancel()

	select {
	case err := <-abandoned:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not release the caller")
	}
	assert.Equal(t, 1, b.Pending())

	next := submitAsync(b, protocol.Process("/next"), time.Second)
	waitWritten(t, c)

	b.Deliver(1, json.RawMessage(`{"image":"gone"}`))
	b.Deliver(1, json.RawMessage(`{"image":"next"}`))
	assert.Equal(t, "next", waitResult(t, next).reply.Image)
}

func TestWorkerErrorReplyIsNotAnError(t *testing.T) {
	b := New()
	c := newFakeConn()
	b.Attach(1, c)

	ch := submitAsync(b, protocol.Process("/missing"), time.Second)
	waitWritten(t, c)
	b.Deliver(1, json.RawMessage(`{"error":"Failed to read image file"}`))

	r := waitResult(t, ch)
	require.NoError(t, r.err)
	assert.True(t, r.reply.Failed())
}

func TestNotifyDoesNotQueue(t *testing.T) {
	b := New()
	assert.ErrorIs(t, b.Notify(protocol.Exit()), ErrServiceUnavailable)

	c := newFakeConn()
	b.Attach(1, c)
	require.NoError(t, b.Notify(protocol.Exit()))
	assert.Zero(t, b.Pending())
	assert.Equal(t, []string{`{"action":"exit"}` + "\n"}, c.Lines())
}

func TestDefaultTimeoutApplied(t *testing.T) {
	b := New()
	c := newFakeConn()
	b.Attach(1, c)

	ch := submitAsync(b, protocol.Ping(), 0)
	waitWritten(t, c)
	b.Deliver(1, json.RawMessage(`{"status":"ok"}`))
	require.NoError(t, waitResult(t, ch).err)
}
