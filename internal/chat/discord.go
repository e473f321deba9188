package chat

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"

	pkgLogger "humanbridge/pkg/logger"
)

const (
	// Discord caps messages at 2000 characters and thread names at 100.
	discordMaxMessageLen = 2000
	discordMaxTitleLen   = 100

	// Threads auto-archive after a day of inactivity, matching how long a
	// question is plausibly worth answering.
	discordThreadArchiveMinutes = 1440
)

// Discord implements Transport on top of a Discord bot connection.
type Discord struct {
	session   *discordgo.Session
	events    chan InboundEvent
	logger    *pkgLogger.Logger
	onReady   func()
	readyOnce sync.Once

	mu        sync.Mutex
	closed    bool
	botUserID string
}

// NewDiscord creates a Discord transport. onReady is invoked once, when the
// gateway handshake completes.
func NewDiscord(token string, onReady func(), logger *pkgLogger.Logger) (*Discord, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, errors.Wrap(err, "create discord session")
	}

	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	d := &Discord{
		session: dg,
		events:  make(chan InboundEvent, 64),
		logger:  logger.WithComponent("discord"),
		onReady: onReady,
	}

	dg.AddHandler(d.handleReady)
	dg.AddHandler(d.handleMessage)

	return d, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	d.mu.Lock()
	d.botUserID = r.User.ID
	d.mu.Unlock()

	d.logger.Info("Discord bot connected", "user", r.User.Username)
	if d.onReady != nil {
		d.readyOnce.Do(d.onReady)
	}
}

func (d *Discord) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore own and other bots' messages
	d.mu.Lock()
	own := d.botUserID != "" && m.Author.ID == d.botUserID
	d.mu.Unlock()
	if own || m.Author.Bot {
		return
	}

	d.publish(InboundEvent{
		// A Discord thread is itself a channel, so the channel id of the
		// message is the conversation id.
		ConversationID: m.ChannelID,
		AuthorID:       m.Author.ID,
		Text:           m.Content,
		Timestamp:      m.Timestamp,
	})
}

func (d *Discord) publish(ev InboundEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.events <- ev:
	default:
		d.logger.Warn("Inbound event buffer full, dropping event", "conversation", ev.ConversationID)
	}
}

// Start opens the gateway connection and blocks until ctx is cancelled.
func (d *Discord) Start(ctx context.Context) error {
	d.logger.Info("Starting Discord transport")

	if err := d.session.Open(); err != nil {
		d.closeEvents()
		return wrapError(ErrorDisconnected, errors.Wrap(err, "open discord connection"))
	}

	<-ctx.Done()
	err := d.session.Close()
	d.closeEvents()
	return err
}

// Stop closes the Discord connection.
func (d *Discord) Stop() error {
	return d.session.Close()
}

func (d *Discord) closeEvents() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
}

func (d *Discord) Events() <-chan InboundEvent {
	return d.events
}

// Send posts text into a thread, splitting if over the platform limit.
func (d *Discord) Send(_ context.Context, conversationID, text string) error {
	for _, chunk := range splitMessage(text, discordMaxMessageLen) {
		if _, err := d.session.ChannelMessageSend(conversationID, chunk); err != nil {
			return classifyDiscordError(errors.Wrap(err, "send discord message"))
		}
	}
	return nil
}

// CreateConversation starts a public thread under the parent channel.
func (d *Discord) CreateConversation(_ context.Context, parentChannelID, title string) (string, error) {
	thread, err := d.session.ThreadStart(
		parentChannelID,
		truncate(title, discordMaxTitleLen),
		discordgo.ChannelTypeGuildPublicThread,
		discordThreadArchiveMinutes,
	)
	if err != nil {
		return "", classifyDiscordError(errors.Wrap(err, "start discord thread"))
	}
	d.logger.Info("Created thread", "thread", thread.ID, "parent", parentChannelID)
	return thread.ID, nil
}

// classifyDiscordError maps discordgo REST failures onto the Error taxonomy.
func classifyDiscordError(err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden, http.StatusUnauthorized:
			return wrapError(ErrorForbidden, err)
		case http.StatusTooManyRequests:
			return wrapError(ErrorRateLimited, err)
		}
	}
	return wrapError(ErrorUnknown, err)
}

// splitMessage splits text into chunks at newline boundaries, respecting maxLen.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Find last newline within limit
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > 0 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// truncate shortens s to at most n runes for use as a thread title.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
