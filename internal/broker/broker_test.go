package broker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"humanbridge/internal/chat"
	pkgLogger "humanbridge/pkg/logger"
)

// fakeTransport is an in-memory chat platform for broker tests.
type fakeTransport struct {
	mu       sync.Mutex
	events   chan chat.InboundEvent
	sent     []sentMessage
	created  []string // titles of created conversations
	threadID string
	sendErr  error
}

type sentMessage struct {
	conversationID string
	text           string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:   make(chan chat.InboundEvent, 16),
		threadID: "T1",
	}
}

func (f *fakeTransport) Name() string                     { return "fake" }
func (f *fakeTransport) Start(ctx context.Context) error  { <-ctx.Done(); return ctx.Err() }
func (f *fakeTransport) Stop() error                      { return nil }
func (f *fakeTransport) Events() <-chan chat.InboundEvent { return f.events }

func (f *fakeTransport) Send(_ context.Context, conversationID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{conversationID: conversationID, text: text})
	return nil
}

func (f *fakeTransport) CreateConversation(_ context.Context, _, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, title)
	return f.threadID, nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) lastSent() sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func testLogger() *pkgLogger.Logger {
	return pkgLogger.NewLoggerWithWriter(pkgLogger.LogLevelError, io.Discard)
}

func newTestBroker(t *testing.T, transport *fakeTransport, timeout time.Duration) (*Broker, *ReadinessGate, context.CancelFunc) {
	t.Helper()
	gate := NewReadinessGate()
	b := New(transport, gate, "C", "U", timeout, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = b.Run(ctx) }()
	return b, gate, cancel
}

type askResult struct {
	answer string
	err    error
}

func askAsync(b *Broker, question string) <-chan askResult {
	ch := make(chan askResult, 1)
	go func() {
		answer, err := b.Ask(context.Background(), question)
		ch <- askResult{answer: answer, err: err}
	}()
	return ch
}

func TestAskResolvedByHumanReply(t *testing.T) {
	transport := newFakeTransport()
	b, gate, cancel := newTestBroker(t, transport, 0)
	defer cancel()
	gate.Set()

	result := askAsync(b, "What is the deploy key?")

	require.Eventually(t, func() bool { return transport.sentCount() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"What is the deploy key?"}, transport.created)
	require.Equal(t, "T1", transport.lastSent().conversationID)
	require.Equal(t, "<@U> What is the deploy key?", transport.lastSent().text)

	transport.events <- chat.InboundEvent{ConversationID: "T1", AuthorID: "U", Text: "abc123"}

	res := <-result
	require.NoError(t, res.err)
	require.Equal(t, "abc123", res.answer)
}

func TestAskBeforeReadyFailsFast(t *testing.T) {
	transport := newFakeTransport()
	b, _, cancel := newTestBroker(t, transport, 0)
	defer cancel()

	_, err := b.Ask(context.Background(), "anyone there?")
	require.ErrorIs(t, err, ErrNotReady)
	require.Empty(t, transport.created, "no transport call before readiness")
	require.Zero(t, transport.sentCount())
}

func TestSequentialAsksReuseConversation(t *testing.T) {
	transport := newFakeTransport()
	b, gate, cancel := newTestBroker(t, transport, 0)
	defer cancel()
	gate.Set()

	for i, reply := range []string{"first answer", "second answer"} {
		result := askAsync(b, fmt.Sprintf("question %d", i+1))
		require.Eventually(t, func() bool { return transport.sentCount() == i+1 }, time.Second, time.Millisecond)
		transport.events <- chat.InboundEvent{ConversationID: "T1", AuthorID: "U", Text: reply}
		res := <-result
		require.NoError(t, res.err)
		require.Equal(t, reply, res.answer)
	}

	require.Len(t, transport.created, 1, "one conversation reused for both questions")
}

func TestSecondAskWhilePendingFailsWithoutSending(t *testing.T) {
	transport := newFakeTransport()
	b, gate, cancel := newTestBroker(t, transport, 0)
	defer cancel()
	gate.Set()

	first := askAsync(b, "first")
	require.Eventually(t, func() bool { return transport.sentCount() == 1 }, time.Second, time.Millisecond)

	_, err := b.Ask(context.Background(), "second")
	require.ErrorIs(t, err, ErrAlreadyPending)
	require.Equal(t, 1, transport.sentCount(), "second question must not be posted")

	transport.events <- chat.InboundEvent{ConversationID: "T1", AuthorID: "U", Text: "done"}
	res := <-first
	require.NoError(t, res.err)
}

func TestEventsFromOthersAreIgnored(t *testing.T) {
	transport := newFakeTransport()
	b, gate, cancel := newTestBroker(t, transport, 0)
	defer cancel()
	gate.Set()

	result := askAsync(b, "who broke the build?")
	require.Eventually(t, func() bool { return transport.sentCount() == 1 }, time.Second, time.Millisecond)

	// Wrong author, wrong conversation, then the real reply
	transport.events <- chat.InboundEvent{ConversationID: "T1", AuthorID: "someone-else", Text: "not me"}
	transport.events <- chat.InboundEvent{ConversationID: "other-thread", AuthorID: "U", Text: "unrelated"}
	transport.events <- chat.InboundEvent{ConversationID: "T1", AuthorID: "U", Text: "it was me"}

	res := <-result
	require.NoError(t, res.err)
	require.Equal(t, "it was me", res.answer)
}

func TestStreamEndCancelsPendingAsks(t *testing.T) {
	transport := newFakeTransport()
	b, gate, cancel := newTestBroker(t, transport, 0)
	defer cancel()
	gate.Set()

	result := askAsync(b, "still there?")
	require.Eventually(t, func() bool { return transport.sentCount() == 1 }, time.Second, time.Millisecond)

	close(transport.events)

	res := <-result
	var cancelled *CancelledError
	require.ErrorAs(t, res.err, &cancelled)
	require.Equal(t, CancelShuttingDown, cancelled.Reason)
}

func TestSendFailureLeavesNoPendingState(t *testing.T) {
	transport := newFakeTransport()
	b, gate, cancel := newTestBroker(t, transport, 0)
	defer cancel()
	gate.Set()

	transport.mu.Lock()
	transport.sendErr = &chat.Error{Kind: chat.ErrorDisconnected}
	transport.mu.Unlock()

	_, err := b.Ask(context.Background(), "can you hear me?")
	require.Error(t, err)
	var transportErr *chat.Error
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, 0, b.pending.Len(), "failed send must not leak a slot")

	// With the transport healthy again the same conversation accepts a new ask
	transport.mu.Lock()
	transport.sendErr = nil
	transport.mu.Unlock()

	result := askAsync(b, "now?")
	require.Eventually(t, func() bool { return transport.sentCount() == 1 }, time.Second, time.Millisecond)
	transport.events <- chat.InboundEvent{ConversationID: "T1", AuthorID: "U", Text: "loud and clear"}
	res := <-result
	require.NoError(t, res.err)
	require.Equal(t, "loud and clear", res.answer)
}

func TestAskTimeout(t *testing.T) {
	transport := newFakeTransport()
	b, gate, cancel := newTestBroker(t, transport, 20*time.Millisecond)
	defer cancel()
	gate.Set()

	_, err := b.Ask(context.Background(), "no rush")
	var cancelled *CancelledError
	require.ErrorAs(t, err, &cancelled)
	require.Equal(t, CancelTimeout, cancelled.Reason)
	require.Equal(t, 0, b.pending.Len())

	// A reply after the timeout is ordinary discarded traffic
	transport.events <- chat.InboundEvent{ConversationID: "T1", AuthorID: "U", Text: "too late"}
}

func TestReadinessGate(t *testing.T) {
	gate := NewReadinessGate()
	require.False(t, gate.IsSet())

	select {
	case <-gate.Done():
		t.Fatal("gate must not be done before Set")
	default:
	}

	gate.Set()
	gate.Set() // idempotent
	require.True(t, gate.IsSet())

	select {
	case <-gate.Done():
	default:
		t.Fatal("gate must be done after Set")
	}
}
