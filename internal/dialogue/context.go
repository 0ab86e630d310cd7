package dialogue

import (
	"fmt"
	"strings"

	"github.com/astridlabs/astrid/internal/gateway"
	"github.com/astridlabs/astrid/internal/memory"
	"github.com/astridlabs/astrid/internal/persona"
)

// BuildPrompt merges persona framing, recalled memories, short-term history
// and the current user input into one generation payload. Pure function, no
// I/O; identical inputs always produce an identical prompt.
func BuildPrompt(profile persona.Profile, history []memory.ShortTermEntry, recalled []memory.RankedRecord, userInput string, toolSpecs []gateway.ToolSpec) gateway.Prompt {
	var system strings.Builder
	system.WriteString(strings.TrimSpace(profile.Framing))

	if len(recalled) > 0 {
		system.WriteString("\n\nWhat you remember about the user:\n")
		for _, rec := range recalled {
			fmt.Fprintf(&system, "- [%s] %s\n", rec.Category, rec.Content)
		}
	}

	messages := make([]gateway.Message, 0, len(history)+1)
	for _, entry := range history {
		role := gateway.RoleUser
		if entry.Role == "assistant" {
			role = gateway.RoleAssistant
		}
		messages = append(messages, gateway.Message{Role: role, Content: entry.Content})
	}
	messages = append(messages, gateway.Message{Role: gateway.RoleUser, Content: userInput})

	return gateway.Prompt{
		System:   strings.TrimSpace(system.String()),
		Messages: messages,
		Tools:    toolSpecs,
	}
}

// appendToolRound extends the prompt with the model's tool request and the
// collected results so the next generation round sees both.
func appendToolRound(prompt gateway.Prompt, calls []gateway.ToolCall, results map[string]string) gateway.Prompt {
	out := prompt
	out.Messages = make([]gateway.Message, len(prompt.Messages), len(prompt.Messages)+1+len(calls))
	copy(out.Messages, prompt.Messages)

	var desc strings.Builder
	desc.WriteString("Tool calls requested:")
	for _, call := range calls {
		fmt.Fprintf(&desc, " %s(%s)", call.Name, call.ID)
	}
	out.Messages = append(out.Messages, gateway.Message{Role: gateway.RoleAssistant, Content: desc.String()})

	for _, call := range calls {
		out.Messages = append(out.Messages, gateway.Message{
			Role:       gateway.RoleTool,
			Content:    results[call.ID],
			ToolCallID: call.ID,
		})
	}
	return out
}
