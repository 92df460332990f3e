package llm

// Roles accepted in [Message.Role].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string
}

// ModelCapabilities describes the limits of an LLM model.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int
}

// UserPrompt builds a request with instruction as the system prompt and
// content as the only user message.
func UserPrompt(instruction, content string) CompletionRequest {
	return CompletionRequest{
		SystemPrompt: instruction,
		Messages:     []Message{{Role: RoleUser, Content: content}},
	}
}
