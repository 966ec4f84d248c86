package history

import (
	"strings"
	"time"
)

// Identity is a channel-qualified user key such as "slack:U123ABC" or "telegram:4711".
type Identity string

// NewIdentity qualifies a platform user id with its channel name.
func NewIdentity(channel, userID string) Identity {
	return Identity(channel + ":" + userID)
}

// Role tags who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates multi-part content.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is one element of multi-part turn content. Image parts carry a base64 payload.
type Part struct {
	Type      PartType `json:"type"`
	Text      string   `json:"text,omitempty"`
	Data      string   `json:"data,omitempty"`
	MediaType string   `json:"media_type,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ImagePart builds an image part from an already encoded payload.
func ImagePart(encoded, mediaType string) Part {
	return Part{Type: PartImage, Data: encoded, MediaType: mediaType}
}

func (p Part) empty() bool {
	switch p.Type {
	case PartText:
		return strings.TrimSpace(p.Text) == ""
	case PartImage:
		return p.Data == ""
	default:
		return true
	}
}

// Turn is one message of a conversation. Content is either Text or, when Parts
// is non-empty, the ordered parts (Text is ignored then).
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text,omitempty"`
	Parts     []Part    `json:"parts,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UserText builds a plain-text user turn.
func UserText(text string) Turn {
	return Turn{Role: RoleUser, Text: text}
}

// UserParts builds a multi-part user turn.
func UserParts(parts ...Part) Turn {
	return Turn{Role: RoleUser, Parts: parts}
}

// AssistantText builds an assistant turn.
func AssistantText(text string) Turn {
	return Turn{Role: RoleAssistant, Text: text}
}

// IsMultipart reports whether the content is a part sequence.
func (t Turn) IsMultipart() bool {
	return len(t.Parts) > 0
}

// HasImage reports whether any part is an image.
func (t Turn) HasImage() bool {
	for _, p := range t.Parts {
		if p.Type == PartImage {
			return true
		}
	}
	return false
}

// Empty reports whether the turn carries no usable content.
func (t Turn) Empty() bool {
	if !t.IsMultipart() {
		return strings.TrimSpace(t.Text) == ""
	}
	for _, p := range t.Parts {
		if !p.empty() {
			return false
		}
	}
	return true
}

func (t Turn) clone() Turn {
	if t.Parts != nil {
		t.Parts = append([]Part(nil), t.Parts...)
	}
	return t
}
