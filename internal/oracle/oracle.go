// Package oracle asks a language model for consolidation programs.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/consolida/internal/dataset"
)

const defaultTimeout = 120 * time.Second

// Request carries what the oracle sees for one attempt: dataset samples and
// the failure trace of the previous attempt, if any.
type Request struct {
	Samples    []dataset.Sample
	PriorError string
	Attempt    int
}

// Program is candidate source text for the sandbox.
type Program struct {
	Source  string
	Attempt int
}

// Oracle produces a candidate program for a request.
type Oracle interface {
	Generate(ctx context.Context, req Request) (Program, error)
}

// Message is a chat message independent of the backend wire format.
type Message struct {
	Role    string
	Content string
}

// Chatter is a chat-completion backend.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []Message) (string, error)
}

// ErrNoCode is returned when the model answer holds no program text.
var ErrNoCode = errors.New("oracle answer contains no code")

// ChatOracle generates programs through a Chatter.
type ChatOracle struct {
	chat    Chatter
	model   string
	timeout time.Duration
}

// NewChatOracle creates an oracle backed by chat using the given model. A
// zero timeout selects the default per-call timeout.
func NewChatOracle(chat Chatter, model string, timeout time.Duration) *ChatOracle {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ChatOracle{chat: chat, model: model, timeout: timeout}
}

func (o *ChatOracle) Generate(ctx context.Context, req Request) (Program, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	raw, err := o.chat.Chat(ctx, o.model, BuildPrompt(req))
	if err != nil {
		return Program{}, fmt.Errorf("oracle chat: %w", err)
	}
	src := ExtractSource(raw)
	if src == "" {
		slog.Debug("oracle returned no code", "attempt", req.Attempt, "response", raw)
		return Program{}, ErrNoCode
	}
	return Program{Source: src, Attempt: req.Attempt}, nil
}

// ExtractSource returns the program text of a model answer: the contents of
// the first Markdown code fence when there is one, the trimmed answer
// otherwise.
func ExtractSource(answer string) string {
	s := strings.TrimSpace(answer)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		tag := strings.TrimSpace(rest[:nl])
		if !strings.ContainsAny(tag, " \t(){};=") {
			rest = rest[nl+1:]
		}
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
