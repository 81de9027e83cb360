package sessions

import "github.com/haasonsaas/relay/pkg/models"

// RepairTranscript enforces the tool-pairing invariant on a loaded
// transcript: every assistant turn with tool calls must be followed by
// exactly one tool turn per call ID before the next assistant turn. A crash
// between the assistant snapshot and the tool results can leave orphaned
// calls; they get synthetic error results so providers accept the history.
func RepairTranscript(msgs []models.ChatMessage) []models.ChatMessage {
	if len(msgs) == 0 {
		return msgs
	}

	repaired := make([]models.ChatMessage, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		repaired = append(repaired, m)
		if m.Role != models.RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}

		answered := make(map[string]bool, len(m.ToolCalls))
		j := i + 1
		for ; j < len(msgs) && msgs[j].Role == models.RoleTool; j++ {
			answered[msgs[j].ToolCallID] = true
			repaired = append(repaired, msgs[j])
		}
		for _, tc := range m.ToolCalls {
			if !answered[tc.ID] {
				repaired = append(repaired, models.ChatMessage{
					Role:       models.RoleTool,
					ToolCallID: tc.ID,
					Name:       tc.Name,
					Content:    "tool result lost before persistence",
				})
			}
		}
		i = j - 1
	}
	return repaired
}
