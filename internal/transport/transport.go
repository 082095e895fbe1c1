// Package transport defines the boundary between the coordination core and
// whatever chat platform delivers messages. The core never talks to a wire
// format directly; an adapter converts platform updates into Events and
// renders Messages back out.
package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

type ChatKind int

const (
	ChatAny ChatKind = iota
	ChatGroup
	ChatPrivate
)

func (k ChatKind) String() string {
	switch k {
	case ChatGroup:
		return "group"
	case ChatPrivate:
		return "private"
	default:
		return "any"
	}
}

// Event is one inbound chat interaction: free text, a command, or a button
// selection. Principal is the stable identity of the sender; Chat is where
// the interaction happened.
type Event struct {
	Chat        string
	Kind        ChatKind
	Principal   string
	Username    string
	DisplayName string
	Text        string
	Callback    *Callback
}

// Message is an outbound chat message, optionally carrying choice buttons.
type Message struct {
	Chat    string
	Text    string
	Choices []Choice
}

type Choice struct {
	Label string
	Data  string
}

// Transport sends messages to a chat context.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// Callback is the typed payload carried by a choice button. It is versioned
// so an adapter can reject payloads minted by an incompatible build instead
// of mis-parsing them.
type Callback struct {
	Version int
	Flow    string
	Owner   string // principal the button was minted for; "" means anyone
	Field   string
	Value   string
}

const callbackVersion = 1

// Encode renders the callback as a compact wire string.
func (c Callback) Encode() string {
	return fmt.Sprintf("v%d|%s|%s|%s|%s", callbackVersion, c.Flow, c.Owner, c.Field, c.Value)
}

// ParseCallback validates and decodes a callback payload string.
func ParseCallback(data string) (Callback, error) {
	parts := strings.SplitN(data, "|", 5)
	if len(parts) != 5 {
		return Callback{}, fmt.Errorf("malformed callback payload %q", data)
	}
	if !strings.HasPrefix(parts[0], "v") {
		return Callback{}, fmt.Errorf("callback payload missing version: %q", data)
	}
	v, err := strconv.Atoi(parts[0][1:])
	if err != nil {
		return Callback{}, fmt.Errorf("callback payload version: %w", err)
	}
	if v != callbackVersion {
		return Callback{}, fmt.Errorf("unsupported callback version %d", v)
	}
	return Callback{
		Version: v,
		Flow:    parts[1],
		Owner:   parts[2],
		Field:   parts[3],
		Value:   parts[4],
	}, nil
}
