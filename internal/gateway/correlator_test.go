package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureSend records outbound frames and lets tests answer them.
type captureSend struct {
	mu     sync.Mutex
	frames []Frame
}

func (c *captureSend) send(_ context.Context, f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *captureSend) last() Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[len(c.frames)-1]
}

func TestIssueResolvesWithPayload(t *testing.T) {
	sink := &captureSend{}
	corr := NewCorrelator(sink.send, time.Second, discardLogger())

	done := make(chan struct{})
	var payload json.RawMessage
	var issueErr error
	go func() {
		defer close(done)
		payload, issueErr = corr.Issue(context.Background(), "health", nil, time.Second)
	}()

	req := waitForFrame(t, sink)
	assert.Equal(t, FrameTypeRequest, req.Type)
	assert.Equal(t, "health", req.Method)
	assert.Equal(t, "health-1", req.ID)

	corr.Resolve(Frame{Type: FrameTypeResponse, ID: req.ID, OK: true, Payload: json.RawMessage(`{"status":"ok"}`)})
	<-done

	require.NoError(t, issueErr)
	assert.JSONEq(t, `{"status":"ok"}`, string(payload))
	assert.Zero(t, corr.PendingCount())
}

func TestIssueReturnsRequestErrorOnFailure(t *testing.T) {
	sink := &captureSend{}
	corr := NewCorrelator(sink.send, time.Second, discardLogger())

	done := make(chan struct{})
	var issueErr error
	go func() {
		defer close(done)
		_, issueErr = corr.Issue(context.Background(), "agent", map[string]string{"message": "hi"}, time.Second)
	}()

	req := waitForFrame(t, sink)
	corr.Resolve(Frame{
		Type:  FrameTypeResponse,
		ID:    req.ID,
		OK:    false,
		Error: &FrameError{Code: "NOT_PAIRED", Message: "device is not paired"},
	})
	<-done

	var reqErr *RequestError
	require.ErrorAs(t, issueErr, &reqErr)
	assert.Equal(t, "NOT_PAIRED", reqErr.Code)
	assert.Equal(t, "device is not paired", reqErr.Message)
}

func TestIssueSoftTimeout(t *testing.T) {
	sink := &captureSend{}
	corr := NewCorrelator(sink.send, time.Second, discardLogger())

	payload, err := corr.Issue(context.Background(), "health", nil, 20*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, payload)
	assert.Zero(t, corr.PendingCount(), "timed-out slot must be evicted")
}

func TestIssueHonorsContextCancel(t *testing.T) {
	sink := &captureSend{}
	corr := NewCorrelator(sink.send, time.Second, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := corr.Issue(ctx, "health", nil, time.Minute)
		done <- err
	}()
	waitForFrame(t, sink)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Issue did not return after cancel")
	}
}

func TestResolveUnknownIDIsDropped(t *testing.T) {
	sink := &captureSend{}
	corr := NewCorrelator(sink.send, time.Second, discardLogger())

	// Must not panic or block.
	corr.Resolve(Frame{Type: FrameTypeResponse, ID: "health-99", OK: true})
	assert.Zero(t, corr.PendingCount())
}

func TestResolveIsExactlyOnce(t *testing.T) {
	sink := &captureSend{}
	corr := NewCorrelator(sink.send, time.Second, discardLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = corr.Issue(context.Background(), "usage", nil, time.Second)
	}()

	req := waitForFrame(t, sink)
	corr.Resolve(Frame{Type: FrameTypeResponse, ID: req.ID, OK: true})
	// A duplicate response lands after the slot is gone.
	corr.Resolve(Frame{Type: FrameTypeResponse, ID: req.ID, OK: true})
	<-done
	assert.Zero(t, corr.PendingCount())
}

func TestIDsAreUniquePerMethod(t *testing.T) {
	sink := &captureSend{}
	corr := NewCorrelator(sink.send, time.Second, discardLogger())

	assert.Equal(t, "health-1", corr.nextID("health"))
	assert.Equal(t, "health-2", corr.nextID("health"))
	assert.Equal(t, "usage-1", corr.nextID("usage"))
}

func TestSendFailurePropagates(t *testing.T) {
	boom := errors.New("socket closed")
	corr := NewCorrelator(func(context.Context, Frame) error { return boom }, time.Second, discardLogger())

	_, err := corr.Issue(context.Background(), "health", nil, time.Second)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, corr.PendingCount())
}

func TestAbandonLeavesCallersToTimeOut(t *testing.T) {
	sink := &captureSend{}
	corr := NewCorrelator(sink.send, time.Second, discardLogger())

	done := make(chan struct{})
	var payload json.RawMessage
	var issueErr error
	go func() {
		defer close(done)
		payload, issueErr = corr.Issue(context.Background(), "health", nil, 50*time.Millisecond)
	}()

	req := waitForFrame(t, sink)
	corr.Abandon()
	assert.Zero(t, corr.PendingCount())

	// A late response for the abandoned id must not resolve anything.
	corr.Resolve(Frame{Type: FrameTypeResponse, ID: req.ID, OK: true, Payload: json.RawMessage(`{}`)})
	<-done
	assert.NoError(t, issueErr)
	assert.Nil(t, payload)
}

func TestConcurrentIssues(t *testing.T) {
	sink := &captureSend{}
	corr := NewCorrelator(sink.send, time.Second, discardLogger())

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload, err := corr.Issue(context.Background(), "health", nil, 2*time.Second)
			assert.NoError(t, err)
			assert.NotNil(t, payload)
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	resolved := make(map[string]bool)
	for len(resolved) < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d requests observed", len(resolved), n)
		}
		sink.mu.Lock()
		frames := append([]Frame(nil), sink.frames...)
		sink.mu.Unlock()
		for _, f := range frames {
			if !resolved[f.ID] {
				resolved[f.ID] = true
				corr.Resolve(Frame{Type: FrameTypeResponse, ID: f.ID, OK: true, Payload: json.RawMessage(`{}`)})
			}
		}
		time.Sleep(time.Millisecond)
	}
	wg.Wait()
}

func waitForFrame(t *testing.T, sink *captureSend) Frame {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.frames)
		sink.mu.Unlock()
		if n > 0 {
			return sink.last()
		}
		if time.Now().After(deadline) {
			t.Fatal("no frame sent")
		}
		time.Sleep(time.Millisecond)
	}
}
