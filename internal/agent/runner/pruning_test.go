package runner

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebolabs/nebo/internal/agent/config"
	"github.com/nebolabs/nebo/internal/agent/session"
)

func textMsg(role session.Role, text string) session.Message {
	return session.NewTextMessage(role, text)
}

func toolResultMsg(callID string, outputLen int) session.Message {
	payload, _ := json.Marshal(map[string]string{"value": strings.Repeat("x", outputLen)})
	return session.NewToolResultMessage(callID, "bash", payload)
}

func TestPruneContextDisabled(t *testing.T) {
	messages := []session.Message{textMsg(session.RoleUser, "a"), textMsg(session.RoleAssistant, "b")}
	out := pruneContext(messages, config.ContextPruningConfig{Enabled: false})
	assert.Equal(t, messages, out)
}

func TestSoftTrimKeepsHeadAndTail(t *testing.T) {
	var messages []session.Message
	for i := 0; i < 50; i++ {
		messages = append(messages, textMsg(session.RoleUser, fmt.Sprintf("msg-%d", i)))
	}

	out := softTrim(messages, 2, 10)
	require.Len(t, out, 12)
	assert.Equal(t, "msg-0", out[0].Text())
	assert.Equal(t, "msg-1", out[1].Text())
	assert.Equal(t, "msg-40", out[2].Text())
	assert.Equal(t, "msg-49", out[11].Text())
}

func TestSoftTrimShortHistoryUntouched(t *testing.T) {
	messages := []session.Message{textMsg(session.RoleUser, "only")}
	assert.Equal(t, messages, softTrim(messages, 2, 10))
}

func TestHardClearReplacesOversizedResults(t *testing.T) {
	messages := []session.Message{
		toolResultMsg("c1", 10000), // old, oversized: cleared
		toolResultMsg("c2", 10),    // old, small: kept
		toolResultMsg("c3", 10000), // in the tail window: kept
	}
	out := hardClear(messages, 1, 1024)

	assert.Contains(t, string(out[0].ToolResults()[0].Output), "output pruned")
	assert.NotContains(t, string(out[1].ToolResults()[0].Output), "output pruned")
	assert.NotContains(t, string(out[2].ToolResults()[0].Output), "output pruned")

	// The input slice is not mutated.
	assert.NotContains(t, string(messages[0].ToolResults()[0].Output), "output pruned")
}

func TestPruneContextEndToEnd(t *testing.T) {
	var messages []session.Message
	messages = append(messages, textMsg(session.RoleSystem, "framing"))
	for i := 0; i < 60; i++ {
		messages = append(messages, toolResultMsg(fmt.Sprintf("c%d", i), 5000))
	}

	cfg := config.ContextPruningConfig{Enabled: true, KeepHead: 2, KeepTail: 10, MaxToolResultBytes: 1024}
	out := pruneContext(messages, cfg)

	assert.Len(t, out, 12)
	// Survivors ahead of the tail window are cleared; the tail is spared.
	assert.Contains(t, string(out[1].ToolResults()[0].Output), "output pruned")
	assert.NotContains(t, string(out[11].ToolResults()[0].Output), "output pruned")
}
