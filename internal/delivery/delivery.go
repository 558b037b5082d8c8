// Package delivery formats a fetched message into a "[New Email]"
// instruction block and pushes it to the host chat sink, fire-and-forget
// from the ingestion worker's perspective.
package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/mailext/ingestion/internal/hostkv"
	"github.com/mailext/ingestion/internal/imapconn"
	"github.com/mailext/ingestion/internal/logging"
)

// maxBodyChars is the content truncation limit for delivered message bodies.
const maxBodyChars = 2000

// Formatter renders Message into the instruction block text, appending the
// user's free-form Settings.Instruction when non-empty.
type Formatter struct{}

func NewFormatter() *Formatter { return &Formatter{} }

// Format builds the delivered text. instruction may be empty.
func (f *Formatter) Format(msg imapconn.Message, instruction string) string {
	var b strings.Builder
	b.WriteString("[New Email]\n")
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\n", msg.Date.Format("2006-01-02 15:04:05 -0700"))
	b.WriteString("\n")
	b.WriteString(truncate(msg.TextBody, maxBodyChars))
	if instruction != "" {
		b.WriteString("\n\n")
		b.WriteString(instruction)
	}
	return b.String()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

// Sink delivers a formatted message to the host's chat sink, logging
// failures without propagating them — a delivery failure never tears down
// the ingestion session.
type Sink struct {
	chat      hostkv.ChatSink
	formatter *Formatter
	log       logging.Logger
}

func NewSink(chat hostkv.ChatSink, formatter *Formatter, log logging.Logger) *Sink {
	return &Sink{chat: chat, formatter: formatter, log: log}
}

// Deliver formats msg and appends it to userID's conversation. The returned
// error is informational; callers that treat delivery as fire-and-forget may
// ignore it after logging.
func (s *Sink) Deliver(ctx context.Context, userID string, msg imapconn.Message, instruction string) error {
	text := s.formatter.Format(msg, instruction)
	if err := s.chat.AppendInstruction(ctx, userID, text); err != nil {
		s.log.Warn("chat sink delivery failed",
			logging.String("user_id", userID),
			logging.String("message_id", msg.MessageID),
			logging.Err(err))
		return err
	}
	return nil
}
