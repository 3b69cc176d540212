// Package transport defines the outbound/inbound boundary: plain-text
// notifications out, slash commands in. Telegram is the one concrete
// wire format implemented; any chat platform satisfying the interface
// works with the dispatcher unchanged.
package transport

import "context"

// maxMessageLen is the outbound splitting threshold.
const maxMessageLen = 4096

// Transport is the dispatcher's outbound/inbound boundary.
type Transport interface {
	// Send delivers text, splitting at line boundaries if it exceeds the
	// platform's message length limit.
	Send(ctx context.Context, text string) error

	// Commands returns a channel of inbound command text (without the
	// leading "/"), closed when the transport's receive loop exits.
 // Non-command inbound messages are ignored
	Commands() <-chan string

	// Run starts the transport's inbound receive loop and blocks until ctx
	// is done or an unrecoverable error occurs.
	Run(ctx context.Context) error
}

// SplitMessage breaks text into chunks no longer than maxMessageLen,
// preferring to break at a newline boundary so no line is cut mid-word.
func SplitMessage(text string) []string {
	if len(text) <= maxMessageLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxMessageLen {
			chunks = append(chunks, text)
			break
		}

		cut := lastNewlineBefore(text, maxMessageLen)
		if cut <= 0 {
			cut = maxMessageLen
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
		for len(text) > 0 && text[0] == '\n' {
			text = text[1:]
		}
	}
	return chunks
}

func lastNewlineBefore(text string, limit int) int {
	if limit > len(text) {
		limit = len(text)
	}
	for i := limit - 1; i >= 0; i-- {
		if text[i] == '\n' {
			return i
		}
	}
	return 0
}

// IsCommand reports whether text is an inbound slash command, and returns
// it with the leading "/" stripped.
func IsCommand(text string) (string, bool) {
	if len(text) == 0 || text[0] != '/' {
		return "", false
	}
	return text[1:], true
}
