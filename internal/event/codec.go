package event

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/matheus3301/convsync/internal/model"
)

type wireUpdate struct {
	Type             Type            `json:"type"`
	Conversation     string          `json:"conversation"`
	From             string          `json:"from,omitempty"`
	Nonce            string          `json:"nonce,omitempty"`
	Time             int64           `json:"time"`
	ConversationType string          `json:"conversation_type,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
}

type wireMessage struct {
	Kind    model.ContentKind `json:"kind"`
	Content json.RawMessage   `json:"content,omitempty"`
}

type wireConfirmation struct {
	Nonces []string `json:"nonces"`
	Read   bool     `json:"read,omitempty"`
}

type wireMissing struct {
	Missing []string `json:"missing"`
}

type wireArchive struct {
	Archived bool `json:"archived"`
}

type wireMute struct {
	Muted bool `json:"muted"`
}

type wireRename struct {
	Name string `json:"name"`
}

type wireMembers struct {
	Users []string `json:"users"`
}

type wireCreate struct {
	LocalID string   `json:"local_id"`
	Type    string   `json:"type,omitempty"`
	Name    string   `json:"name,omitempty"`
	Members []string `json:"members,omitempty"`
}

type wireConnection struct {
	Status      string `json:"status"`
	RequestedAt int64  `json:"requested_at,omitempty"`
	User        string `json:"user"`
}

type wireCall struct {
	State CallState `json:"state"`
}

// Decode parses a JSON array of updates, or a single update object. Elements
// whose payload cannot be parsed are kept and fail Validate, so a batch is
// never rejected for one bad event.
func Decode(raw []byte) ([]Update, error) {
	raw = bytes.TrimSpace(raw)
	var wires []wireUpdate
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &wires); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	} else {
		var w wireUpdate
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		wires = []wireUpdate{w}
	}

	out := make([]Update, 0, len(wires))
	for _, w := range wires {
		u := Update{
			Type:             w.Type,
			ConversationID:   w.Conversation,
			SenderID:         w.From,
			Nonce:            w.Nonce,
			Timestamp:        fromMillis(w.Time),
			ConversationType: model.ParseConversationType(w.ConversationType),
		}
		u.Payload, u.decodeErr = decodePayload(w.Type, w.Data)
		out = append(out, u)
	}
	return out, nil
}

func decodePayload(t Type, data json.RawMessage) (Payload, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	switch t {
	case TypeMessageAdd:
		var w wireMessage
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		content, err := model.DecodeContent(w.Kind, w.Content)
		if err != nil {
			return nil, err
		}
		return MessageAdd{Content: content}, nil
	case TypeConfirmation:
		var w wireConfirmation
		err := json.Unmarshal(data, &w)
		return Confirmation{Nonces: w.Nonces, Read: w.Read}, err
	case TypeMissingRecipients:
		var w wireMissing
		err := json.Unmarshal(data, &w)
		return MissingRecipients{Missing: w.Missing}, err
	case TypeMessageHide:
		return MessageHide{}, nil
	case TypeArchive:
		var w wireArchive
		err := json.Unmarshal(data, &w)
		return Archive{Archived: w.Archived}, err
	case TypeMute:
		var w wireMute
		err := json.Unmarshal(data, &w)
		return Mute{Muted: w.Muted}, err
	case TypeClear:
		return Clear{}, nil
	case TypeLastRead:
		return LastRead{}, nil
	case TypeRename:
		var w wireRename
		err := json.Unmarshal(data, &w)
		return Rename{Name: w.Name}, err
	case TypeMemberJoin:
		var w wireMembers
		err := json.Unmarshal(data, &w)
		return MemberJoin{UserIDs: w.Users}, err
	case TypeMemberLeave:
		var w wireMembers
		err := json.Unmarshal(data, &w)
		return MemberLeave{UserIDs: w.Users}, err
	case TypeCreate:
		var w wireCreate
		err := json.Unmarshal(data, &w)
		return Create{
			LocalID:  model.ID(w.LocalID),
			ConvType: model.ParseConversationType(w.Type),
			Name:     w.Name,
			Members:  w.Members,
		}, err
	case TypeConnection:
		var w wireConnection
		err := json.Unmarshal(data, &w)
		return Connection{
			Status:      model.ParseConnectionStatus(w.Status),
			RequestedAt: fromMillis(w.RequestedAt),
			UserID:      w.User,
		}, err
	case TypeCall:
		var w wireCall
		err := json.Unmarshal(data, &w)
		return Call{State: w.State}, err
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

// Encode renders updates in the format Decode reads.
func Encode(updates []Update) ([]byte, error) {
	wires := make([]wireUpdate, 0, len(updates))
	for _, u := range updates {
		data, err := encodePayload(u.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", u.Type, err)
		}
		w := wireUpdate{
			Type:         u.Type,
			Conversation: u.ConversationID,
			From:         u.SenderID,
			Nonce:        u.Nonce,
			Time:         toMillis(u.Timestamp),
			Data:         data,
		}
		if u.ConversationType != model.ConversationInvalid {
			w.ConversationType = u.ConversationType.String()
		}
		wires = append(wires, w)
	}
	return json.Marshal(wires)
}

func encodePayload(p Payload) (json.RawMessage, error) {
	var v any
	switch p := p.(type) {
	case MessageAdd:
		kind, content, err := model.EncodeContent(p.Content)
		if err != nil {
			return nil, err
		}
		v = wireMessage{Kind: kind, Content: content}
	case Confirmation:
		v = wireConfirmation{Nonces: p.Nonces, Read: p.Read}
	case MissingRecipients:
		v = wireMissing{Missing: p.Missing}
	case Archive:
		v = wireArchive{Archived: p.Archived}
	case Mute:
		v = wireMute{Muted: p.Muted}
	case Rename:
		v = wireRename{Name: p.Name}
	case MemberJoin:
		v = wireMembers{Users: p.UserIDs}
	case MemberLeave:
		v = wireMembers{Users: p.UserIDs}
	case Create:
		w := wireCreate{LocalID: string(p.LocalID), Name: p.Name, Members: p.Members}
		if p.ConvType != model.ConversationInvalid {
			w.Type = p.ConvType.String()
		}
		v = w
	case Connection:
		v = wireConnection{Status: p.Status.String(), RequestedAt: toMillis(p.RequestedAt), User: p.UserID}
	case Call:
		v = wireCall{State: p.State}
	case MessageHide, Clear, LastRead, nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported payload %T", p)
	}
	return json.Marshal(v)
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
