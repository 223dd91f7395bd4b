package duplex

import (
	"strings"

	"github.com/satriahrh/duplexvoice/domain/entities"
)

const (
	// DefaultSystemPrompt is used when no prompt is configured
	DefaultSystemPrompt = "You are a helpful voice assistant. Keep replies short, warm and natural for speech, and ask at most one question per turn."

	// DefaultGreeting asks the model to speak first
	DefaultGreeting = "Start the conversation with a brief greeting and the first question."
)

// BuildSystemInstruction embeds the rendered history into the system prompt
func BuildSystemInstruction(prompt, history string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	history = strings.TrimSpace(history)
	if history == "" {
		history = entities.NoPriorConversation
	}
	return prompt + "\n\n" + history + "\n\nNow continue the conversation naturally."
}
