// Package prompt builds the conversations sent to the generation backend.
package prompt

import "strings"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System returns a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant returns an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Conversation is an immutable, append-only list of messages.
//
// Append never mutates the receiver, so a Conversation captured by one retry
// attempt stays valid while later attempts extend their own copies.
type Conversation struct {
	msgs []Message
}

// New starts a conversation with a system instruction and a user request.
// An empty system instruction is omitted.
func New(system, user string) Conversation {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, System(system))
	}
	msgs = append(msgs, User(user))
	return Conversation{msgs: msgs}
}

// Append returns a new conversation with msgs added at the end.
func (c Conversation) Append(msgs ...Message) Conversation {
	next := make([]Message, len(c.msgs), len(c.msgs)+len(msgs))
	copy(next, c.msgs)
	return Conversation{msgs: append(next, msgs...)}
}

// Messages returns a copy of the messages in order.
func (c Conversation) Messages() []Message {
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// Len returns the number of messages.
func (c Conversation) Len() int { return len(c.msgs) }

// Last returns the final message, if any.
func (c Conversation) Last() (Message, bool) {
	if len(c.msgs) == 0 {
		return Message{}, false
	}
	return c.msgs[len(c.msgs)-1], true
}

// String renders the conversation for debug logging.
func (c Conversation) String() string {
	var b strings.Builder
	for i, m := range c.msgs {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
