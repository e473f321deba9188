package mcpserver

import (
	"context"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"

	"humanbridge/internal/broker"
	"humanbridge/internal/chat"
	pkgLogger "humanbridge/pkg/logger"
)

const serverInstructions = "This is a Human-in-the-Loop MCP server that enables AI assistants to " +
	"request information from humans via chat. Use the 'ask_human' tool when you need " +
	"information that only a human would know, such as: personal preferences, " +
	"project-specific context, local environment details, or any information that " +
	"is not publicly available or documented. The human will be notified in chat " +
	"and their response will be returned to you."

const askHumanDescription = "Ask a human for information that only they would know, such as " +
	"personal preferences, project-specific context, local environment details, or " +
	"non-public information"

// Asker answers questions by relaying them to a human. Implemented by
// broker.Broker; kept narrow so the tool layer is testable without a chat
// connection.
type Asker interface {
	Ask(ctx context.Context, question string) (string, error)
}

// Server wires the ask_human tool into an MCP stdio server.
type Server struct {
	mcp    *server.MCPServer
	asker  Asker
	logger *pkgLogger.Logger
}

// New builds the MCP server and registers the ask_human tool.
func New(asker Asker, version string, logger *pkgLogger.Logger) *Server {
	s := &Server{
		asker:  asker,
		logger: logger.WithComponent("mcp"),
	}

	s.mcp = server.NewMCPServer(
		"humanbridge",
		version,
		server.WithToolCapabilities(false),
		server.WithInstructions(serverInstructions),
	)

	tool := mcp.NewTool("ask_human",
		mcp.WithDescription(askHumanDescription),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("The question to ask the human. Be specific and provide context to help the human understand what information you need."),
		),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
	)
	s.mcp.AddTool(tool, s.handleAskHuman)

	return s
}

// handleAskHuman decodes one tool call, relays it to the broker and encodes
// the outcome. Malformed parameters are a protocol-level error (returned as
// err); broker failures are tool-execution errors carrying a readable
// message.
func (s *Server) handleAskHuman(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := request.RequireString("question")
	if err != nil {
		return nil, err
	}

	s.logger.Info("ask_human called")

	answer, err := s.asker.Ask(ctx, question)
	if err != nil {
		s.logger.Warn("ask_human failed", "error", err)
		return mcp.NewToolResultError(describeAskError(err)), nil
	}
	return mcp.NewToolResultText(answer), nil
}

// Serve runs the MCP server over the given stdio streams until ctx ends.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("MCP server listening on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

// describeAskError downgrades broker failures to messages an MCP client can
// show to its user. This is the only place typed broker errors become text.
func describeAskError(err error) string {
	var cancelled *broker.CancelledError
	var transport *chat.Error

	switch {
	case errors.Is(err, broker.ErrNotReady):
		return "The chat connection is not ready yet; try again shortly."
	case errors.Is(err, broker.ErrAlreadyPending):
		return "A question is already waiting for the human's reply; ask again once it is answered."
	case errors.As(err, &cancelled):
		return fmt.Sprintf("The question was cancelled (%s) before the human replied.", cancelled.Reason)
	case errors.As(err, &transport):
		return fmt.Sprintf("Could not reach the chat platform: %v.", transport)
	default:
		return fmt.Sprintf("Failed to ask the human: %v.", err)
	}
}
