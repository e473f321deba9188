package chat

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	pkgLogger "humanbridge/pkg/logger"
)

// Slack implements Transport over Socket Mode. Slack has no first-class
// sub-channel: a "conversation" here is a message thread, identified by the
// timestamp of its root message. The root message is posted into the parent
// channel when the conversation is created, and replies carry that timestamp
// as their thread_ts.
type Slack struct {
	api       *slack.Client
	sm        *socketmode.Client
	channelID string
	events    chan InboundEvent
	logger    *pkgLogger.Logger
	onReady   func()
	readyOnce sync.Once

	mu        sync.Mutex
	closed    bool
	botUserID string
}

// NewSlack creates a Slack transport. channelID is the fixed parent channel
// threads are opened under; onReady is invoked once, when the socket
// connection is established.
func NewSlack(botToken, appToken, channelID string, onReady func(), logger *pkgLogger.Logger) *Slack {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	return &Slack{
		api:       api,
		sm:        socketmode.New(api),
		channelID: channelID,
		events:    make(chan InboundEvent, 64),
		logger:    logger.WithComponent("slack"),
		onReady:   onReady,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start opens the socket connection and pumps events until ctx is cancelled
// or the connection dies.
func (s *Slack) Start(ctx context.Context) error {
	defer s.closeEvents()

	auth, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return classifySlackError(errors.Wrap(err, "slack auth test"))
	}
	s.mu.Lock()
	s.botUserID = auth.UserID
	s.mu.Unlock()

	s.logger.Info("Starting Slack transport", "bot_user", auth.UserID)

	runErr := make(chan error, 1)
	go func() {
		runErr <- s.sm.RunContext(ctx)
	}()

	for {
		select {
		case err := <-runErr:
			if err != nil && ctx.Err() == nil {
				return wrapError(ErrorDisconnected, errors.Wrap(err, "slack socket closed"))
			}
			return err
		case evt := <-s.sm.Events:
			s.handleEvent(evt)
		}
	}
}

// Stop is a no-op: Socket Mode shuts down with the Start context.
func (s *Slack) Stop() error { return nil }

func (s *Slack) handleEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		s.logger.Info("Slack socket connected")
		if s.onReady != nil {
			s.readyOnce.Do(s.onReady)
		}
	case socketmode.EventTypeConnectionError:
		s.logger.Warn("Slack connection error", "error", evt.Data)
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			s.sm.Ack(*evt.Request)
		}
		if msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			s.handleMessage(msg)
		}
	}
}

func (s *Slack) handleMessage(m *slackevents.MessageEvent) {
	// Edits, joins and other subtypes are not typed replies
	if m.SubType != "" {
		return
	}
	// Ignore own and other bots' messages
	s.mu.Lock()
	own := s.botUserID != "" && m.User == s.botUserID
	s.mu.Unlock()
	if own || m.BotID != "" {
		return
	}

	s.publish(InboundEvent{
		// A message outside any thread has no thread_ts and so carries an
		// empty conversation id, which never matches a pending request.
		ConversationID: m.ThreadTimeStamp,
		AuthorID:       m.User,
		Text:           m.Text,
		Timestamp:      parseSlackTimestamp(m.TimeStamp),
	})
}

func (s *Slack) publish(ev InboundEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("Inbound event buffer full, dropping event", "conversation", ev.ConversationID)
	}
}

func (s *Slack) closeEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *Slack) Events() <-chan InboundEvent {
	return s.events
}

// Send posts text as a reply inside the thread.
func (s *Slack) Send(ctx context.Context, conversationID, text string) error {
	_, _, err := s.api.PostMessageContext(ctx, s.channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(conversationID),
	)
	if err != nil {
		return classifySlackError(errors.Wrap(err, "send slack message"))
	}
	return nil
}

// CreateConversation posts the thread root message into the parent channel
// and returns its timestamp, which identifies the thread from then on.
func (s *Slack) CreateConversation(ctx context.Context, parentChannelID, title string) (string, error) {
	_, ts, err := s.api.PostMessageContext(ctx, parentChannelID,
		slack.MsgOptionText(title, false),
	)
	if err != nil {
		return "", classifySlackError(errors.Wrap(err, "post slack thread root"))
	}
	s.logger.Info("Created thread", "thread", ts, "parent", parentChannelID)
	return ts, nil
}

// classifySlackError maps Slack Web API failures onto the Error taxonomy.
// Slack reports most failures as bare error strings, so classification is
// partly by name.
func classifySlackError(err error) error {
	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		return wrapError(ErrorRateLimited, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "invalid_auth"),
		strings.Contains(msg, "not_authed"),
		strings.Contains(msg, "missing_scope"),
		strings.Contains(msg, "not_in_channel"),
		strings.Contains(msg, "channel_not_found"):
		return wrapError(ErrorForbidden, err)
	}
	return wrapError(ErrorUnknown, err)
}

// parseSlackTimestamp converts a Slack "seconds.fraction" timestamp string.
func parseSlackTimestamp(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}
