package gateway

import (
	"fmt"
	"log"

	"github.com/aegisrpa/aegis/internal/session"
)

// TerminalNotifier wraps a status publisher and pushes a chat message
// whenever a session reaches a terminal state. All other events pass through
// untouched. Send failures are logged, never surfaced; a flaky chat gateway
// must not affect session progress.
type TerminalNotifier struct {
	inner     session.Publisher
	messenger Messenger
	chatID    string
}

func NewTerminalNotifier(inner session.Publisher, messenger Messenger, chatID string) *TerminalNotifier {
	return &TerminalNotifier{inner: inner, messenger: messenger, chatID: chatID}
}

func (n *TerminalNotifier) Publish(sessionID string, ev session.StatusEvent) {
	n.inner.Publish(sessionID, ev)

	if !ev.OverallStatus.IsTerminal() || ev.Subtask != nil {
		return
	}
	text := fmt.Sprintf("*Session* `%s`\nStatus: %s\n%s", sessionID, ev.OverallStatus, ev.Message)
	go func() {
		if err := n.messenger.Send(n.chatID, text); err != nil {
			log.Printf("telegram notify failed for session %s: %v", sessionID, err)
		}
	}()
}

func (n *TerminalNotifier) CloseTopic(sessionID string) {
	n.inner.CloseTopic(sessionID)
}
