package chat

import "strings"

// Role tags a message for vendor chat APIs.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Turn is one (user input, bot reply) pair.
type Turn struct {
	User string `json:"user"`
	Bot  string `json:"bot"`
}

// History is the conversation as the front end holds it.
type History []Turn

// Append returns a new history with turn at the end. The receiver is left
// untouched, so histories handed out earlier never change under their holder.
func (h History) Append(turn Turn) History {
	out := make(History, len(h), len(h)+1)
	copy(out, h)
	return append(out, turn)
}

func (h History) Clone() History {
	if h == nil {
		return nil
	}
	out := make(History, len(h))
	copy(out, h)
	return out
}

// Normalize converts history into role-tagged messages: a leading system
// message when prompt is set, then a user/assistant pair per turn.
func Normalize(history History, prompt string) []Message {
	n := 2 * len(history)
	if prompt != "" {
		n++
	}

	msgs := make([]Message, 0, n)
	if prompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: prompt})
	}
	for _, t := range history {
		msgs = append(msgs,
			Message{Role: RoleUser, Content: t.User},
			Message{Role: RoleAssistant, Content: t.Bot},
		)
	}

	return msgs
}

// Denormalize is the inverse of Normalize, used by servers that receive
// role-tagged messages. System messages are joined into the prompt; a user
// message without a following assistant reply becomes a turn with an empty
// Bot side.
func Denormalize(msgs []Message) (History, string) {
	var (
		history History
		prompts []string
	)
	for i := 0; i < len(msgs); i++ {
		switch m := msgs[i]; m.Role {
		case RoleSystem:
			prompts = append(prompts, m.Content)
		case RoleUser:
			turn := Turn{User: m.Content}
			if i+1 < len(msgs) && msgs[i+1].Role == RoleAssistant {
				turn.Bot = msgs[i+1].Content
				i++
			}
			history = append(history, turn)
		case RoleAssistant:
			history = append(history, Turn{Bot: m.Content})
		}
	}
	return history, strings.Join(prompts, "\n")
}

// Conversation is Normalize plus the pending user message.
func Conversation(history History, prompt, message string) []Message {
	return append(Normalize(history, prompt), Message{Role: RoleUser, Content: message})
}

// Pick returns override when set, otherwise fallback.
func Pick(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}
