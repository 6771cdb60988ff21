package domain

// ChatMessage is the provider-agnostic chat message shape used by the context
// assembler and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenUsage is the normalized token accounting returned by every provider,
// regardless of the provider's native field names.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AIReply is the normalized reply of one provider call.
type AIReply struct {
	Text             string            `json:"text"`
	Model            string            `json:"model"`
	Usage            TokenUsage        `json:"usage"`
	ProviderMetadata map[string]string `json:"provider_metadata,omitempty"`
}

// RoleVocabulary maps stored turn roles to the labels a provider expects.
type RoleVocabulary struct {
	User      string
	Assistant string
}

// Label returns the provider label for a stored role.
func (v RoleVocabulary) Label(r Role) string {
	if r == RoleAssistant {
		return v.Assistant
	}
	return v.User
}
