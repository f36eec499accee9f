package model

import (
	"fmt"

	"github.com/goccy/go-json"
)

// ContentKind tags the message content variant.
type ContentKind string

const (
	KindText     ContentKind = "text"
	KindImage    ContentKind = "image"
	KindKnock    ContentKind = "knock"
	KindSystem   ContentKind = "system"
	KindFile     ContentKind = "file"
	KindLocation ContentKind = "location"
)

// Content is the payload of a message. Each variant carries only its own fields;
// nonce, timestamp and sender live on the Message envelope.
type Content interface {
	Kind() ContentKind
	redacted() Content
}

// Text is a plain text message, optionally mentioning users or quoting another message.
type Text struct {
	Body        string   `json:"body"`
	Mentions    []string `json:"mentions,omitempty"`
	QuotedNonce string   `json:"quote,omitempty"`
}

func (Text) Kind() ContentKind { return KindText }
func (Text) redacted() Content { return Text{} }

// Image references an uploaded image asset.
type Image struct {
	AssetID  string `json:"asset"`
	MimeType string `json:"mime_type,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

func (Image) Kind() ContentKind { return KindImage }
func (Image) redacted() Content { return Image{} }

// Knock is a ping without payload.
type Knock struct{}

func (Knock) Kind() ContentKind { return KindKnock }
func (Knock) redacted() Content { return Knock{} }

// SystemType enumerates system message subtypes.
type SystemType string

const (
	SystemMissedCall          SystemType = "missed_call"
	SystemPerformedCall       SystemType = "performed_call"
	SystemParticipantsAdded   SystemType = "participants_added"
	SystemParticipantsRemoved SystemType = "participants_removed"
	SystemConversationRenamed SystemType = "conversation_renamed"
	SystemNewConversation     SystemType = "new_conversation"
)

// System is a message generated from a conversation event rather than typed by a user.
type System struct {
	Type  SystemType `json:"type"`
	Users []string   `json:"users,omitempty"`
	Text  string     `json:"text,omitempty"`
}

func (System) Kind() ContentKind   { return KindSystem }
func (s System) redacted() Content { return System{Type: s.Type} }

// File references an uploaded file asset.
type File struct {
	AssetID  string `json:"asset"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

func (File) Kind() ContentKind { return KindFile }
func (File) redacted() Content { return File{} }

// Location is a shared map position.
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Name      string  `json:"name,omitempty"`
	Zoom      int     `json:"zoom,omitempty"`
}

func (Location) Kind() ContentKind { return KindLocation }
func (Location) redacted() Content { return Location{} }

// GeneratesUnread reports whether content of this kind counts toward unread state.
// Only the missed call system message does.
func GeneratesUnread(c Content) bool {
	switch v := c.(type) {
	case nil:
		return false
	case System:
		return v.Type == SystemMissedCall
	default:
		return true
	}
}

// EncodeContent serializes c for storage.
func EncodeContent(c Content) (ContentKind, []byte, error) {
	if c == nil {
		return "", nil, fmt.Errorf("encode content: nil content")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s content: %w", c.Kind(), err)
	}
	return c.Kind(), data, nil
}

// DecodeContent parses data as the variant named by kind.
func DecodeContent(kind ContentKind, data []byte) (Content, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	var (
		c   Content
		err error
	)
	switch kind {
	case KindText:
		var v Text
		err = json.Unmarshal(data, &v)
		c = v
	case KindImage:
		var v Image
		err = json.Unmarshal(data, &v)
		c = v
	case KindKnock:
		c = Knock{}
	case KindSystem:
		var v System
		err = json.Unmarshal(data, &v)
		c = v
	case KindFile:
		var v File
		err = json.Unmarshal(data, &v)
		c = v
	case KindLocation:
		var v Location
		err = json.Unmarshal(data, &v)
		c = v
	default:
		return nil, fmt.Errorf("unknown content kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s content: %w", kind, err)
	}
	return c, nil
}
