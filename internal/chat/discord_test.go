package chat

import (
	"net/http"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestSplitMessageShortTextIsUnchanged(t *testing.T) {
	chunks := splitMessage("hello", 2000)
	require.Equal(t, []string{"hello"}, chunks)
}

func TestSplitMessagePrefersNewlineBoundaries(t *testing.T) {
	text := strings.Repeat("line one\n", 10)
	chunks := splitMessage(text, 30)

	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks[:len(chunks)-1] {
		require.True(t, strings.HasSuffix(chunk, "\n"), "chunk should end at a newline: %q", chunk)
	}
	require.Equal(t, text, strings.Join(chunks, ""))
}

func TestSplitMessageHardCutWithoutNewlines(t *testing.T) {
	text := strings.Repeat("x", 45)
	chunks := splitMessage(text, 20)

	require.Equal(t, []string{strings.Repeat("x", 20), strings.Repeat("x", 20), strings.Repeat("x", 5)}, chunks)
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", truncate("short", 100))

	long := strings.Repeat("q", 150)
	got := truncate(long, 100)
	require.Equal(t, 100, len([]rune(got)))
	require.True(t, strings.HasSuffix(got, "…"))
}

func TestClassifyDiscordError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   ErrorKind
	}{
		{"forbidden", http.StatusForbidden, ErrorForbidden},
		{"unauthorized", http.StatusUnauthorized, ErrorForbidden},
		{"rate limited", http.StatusTooManyRequests, ErrorRateLimited},
		{"server error", http.StatusInternalServerError, ErrorUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rest := &discordgo.RESTError{Response: &http.Response{StatusCode: tt.status}}
			err := classifyDiscordError(errors.Wrap(rest, "send"))

			var classified *Error
			require.ErrorAs(t, err, &classified)
			require.Equal(t, tt.kind, classified.Kind)
		})
	}
}

func TestClassifyDiscordErrorNonREST(t *testing.T) {
	err := classifyDiscordError(errors.New("connection reset"))

	var classified *Error
	require.ErrorAs(t, err, &classified)
	require.Equal(t, ErrorUnknown, classified.Kind)
}
