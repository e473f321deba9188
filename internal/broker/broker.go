package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"humanbridge/internal/chat"
	pkgLogger "humanbridge/pkg/logger"
)

// ErrNotReady is returned by Ask before the transport handshake completes.
// Recoverable: the caller may retry once the connection is up.
var ErrNotReady = errors.New("the chat connection is not ready yet")

// Broker turns one Ask call into an outbound chat message and suspends the
// caller until the configured human replies in the same conversation.
// Correlation key is the conversation id: at most one question may be
// outstanding per conversation.
type Broker struct {
	transport chat.Transport
	gate      *ReadinessGate
	registry  *ConversationRegistry
	pending   *PendingTable
	channelID string
	humanID   string
	timeout   time.Duration // per-ask; 0 disables
	logger    *pkgLogger.Logger
}

// New creates a broker asking questions to humanID inside a conversation
// under channelID. timeout of 0 means an Ask waits for the lifetime of its
// call context.
func New(transport chat.Transport, gate *ReadinessGate, channelID, humanID string, timeout time.Duration, logger *pkgLogger.Logger) *Broker {
	return &Broker{
		transport: transport,
		gate:      gate,
		registry:  NewConversationRegistry(transport),
		pending:   NewPendingTable(),
		channelID: channelID,
		humanID:   humanID,
		timeout:   timeout,
		logger:    logger.WithComponent("broker"),
	}
}

// Ask posts the question to the human and blocks until a reply arrives in
// the conversation, the request is cancelled, or ctx ends.
func (b *Broker) Ask(ctx context.Context, question string) (string, error) {
	if !b.gate.IsSet() {
		return "", ErrNotReady
	}

	log := b.logger.WithAsk(uuid.NewString())

	conversationID, err := b.registry.GetOrCreate(ctx, b.channelID, question)
	if err != nil {
		return "", errors.Wrap(err, "get or create conversation")
	}

	// Register before sending so a second concurrent question fails fast
	// without posting anything, and so a reply racing the send cannot slip
	// past an unregistered slot.
	handle, err := b.pending.Register(conversationID)
	if err != nil {
		return "", err
	}

	text := fmt.Sprintf("<@%s> %s", b.humanID, question)
	if err := b.transport.Send(ctx, conversationID, text); err != nil {
		// Nothing reached the human; drop the slot rather than leak it.
		b.pending.remove(conversationID)
		return "", errors.Wrap(err, "send question")
	}

	log.Info("Question sent, waiting for reply", "conversation", conversationID)

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	answer, err := handle.Await(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &CancelledError{Reason: CancelTimeout}
		}
		return "", err
	}

	log.Info("Reply received", "conversation", conversationID)
	return answer, nil
}

// Run consumes the transport's inbound event stream for the life of the
// process, resolving pending requests as matching replies arrive. It returns
// when the stream ends or ctx is cancelled; either way every still-pending
// request is woken with a shutdown failure, because a dead stream means no
// reply will ever arrive.
func (b *Broker) Run(ctx context.Context) error {
	defer func() {
		if n := b.pending.CancelAll(CancelShuttingDown); n > 0 {
			b.logger.Warn("Cancelled pending requests on shutdown", "count", n)
		}
	}()

	events := b.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				b.logger.Warn("Inbound event stream ended")
				return errors.New("inbound event stream ended")
			}
			b.dispatch(ev)
		}
	}
}

// dispatch matches one inbound event against the pending table. Events from
// anyone but the configured human are ignored, as is any event whose
// conversation has no pending request; both are ordinary channel traffic.
func (b *Broker) dispatch(ev chat.InboundEvent) {
	if ev.AuthorID != b.humanID {
		return
	}
	if b.pending.Resolve(ev.ConversationID, ev.Text) {
		b.logger.Debug("Resolved pending request", "conversation", ev.ConversationID)
	}
}
