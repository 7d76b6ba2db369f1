package agent

import (
	"fmt"
	"strings"
	"time"
)

// TurnRole identifies which side of the exchange produced a context entry.
type TurnRole string

const (
	RoleUser       TurnRole = "user"
	RoleModel      TurnRole = "model"
	RoleToolResult TurnRole = "tool"
	RoleCorrection TurnRole = "correction"
)

// Turn is one immutable context entry. Entries are only ever appended.
type Turn struct {
	Role TurnRole
	Text string
	At   time.Time
}

// Conversation accumulates the prompt context for one user request. It is
// owned by the orchestrator for the duration of a turn and is not safe for
// concurrent mutation.
type Conversation struct {
	turns []Turn
}

// NewConversation starts an empty context.
func NewConversation() *Conversation {
	return &Conversation{}
}

// Append records a new entry.
func (c *Conversation) Append(role TurnRole, text string) {
	c.turns = append(c.turns, Turn{Role: role, Text: text, At: time.Now()})
}

// Turns returns a copy of the accumulated entries.
func (c *Conversation) Turns() []Turn {
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Len reports the number of entries.
func (c *Conversation) Len() int { return len(c.turns) }

// Render flattens the context into the text block fed to the model.
func (c *Conversation) Render() string {
	var b strings.Builder
	for _, turn := range c.turns {
		switch turn.Role {
		case RoleUser:
			fmt.Fprintf(&b, "User: %s\n", turn.Text)
		case RoleModel:
			fmt.Fprintf(&b, "Assistant: %s\n", turn.Text)
		case RoleToolResult:
			fmt.Fprintf(&b, "Tool result: %s\n", turn.Text)
		case RoleCorrection:
			fmt.Fprintf(&b, "Correction: %s\n", turn.Text)
		}
	}
	return b.String()
}
