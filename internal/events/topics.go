package events

import "fmt"

const (
	// TopicRuntime carries every RuntimeEvent the orchestrator broadcasts.
	TopicRuntime = "runtime.events"
)

// SessionTopic scopes runtime events to one session for subscribers that
// filter per-conversation.
func SessionTopic(sessionID string) string {
	return fmt.Sprintf("runtime.session.%s", sessionID)
}
