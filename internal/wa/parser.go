package wa

import (
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/matheus3301/convsync/internal/model"
)

// ErrUnsupportedContent is returned for content the transport cannot carry.
var ErrUnsupportedContent = errors.New("unsupported content")

// remoteID normalizes a JID to the identifier used in the mirror: the
// device part is dropped so every device of a user maps to one user.
func remoteID(jid types.JID) string {
	if jid.IsEmpty() {
		return ""
	}
	return jid.ToNonAD().String()
}

func conversationType(chat types.JID) model.ConversationType {
	if chat.Server == types.GroupServer {
		return model.ConversationGroup
	}
	return model.ConversationOneToOne
}

// ParseContent converts a whatsmeow message body into mirror content.
// Returns nil for bodies that carry no user-visible content.
func ParseContent(msg *waE2E.Message) model.Content {
	if msg == nil {
		return nil
	}
	switch {
	case msg.GetConversation() != "":
		return model.Text{Body: msg.GetConversation()}
	case msg.GetExtendedTextMessage() != nil:
		ext := msg.GetExtendedTextMessage()
		ci := ext.GetContextInfo()
		return model.Text{
			Body:        ext.GetText(),
			Mentions:    normalizeJIDs(ci.GetMentionedJID()),
			QuotedNonce: ci.GetStanzaID(),
		}
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		return model.Image{
			AssetID:  img.GetDirectPath(),
			MimeType: img.GetMimetype(),
			Width:    int(img.GetWidth()),
			Height:   int(img.GetHeight()),
		}
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		return model.File{
			AssetID:  doc.GetDirectPath(),
			Name:     doc.GetFileName(),
			MimeType: doc.GetMimetype(),
			Size:     int64(doc.GetFileLength()),
		}
	case msg.GetVideoMessage() != nil:
		v := msg.GetVideoMessage()
		return model.File{AssetID: v.GetDirectPath(), MimeType: v.GetMimetype(), Size: int64(v.GetFileLength())}
	case msg.GetAudioMessage() != nil:
		a := msg.GetAudioMessage()
		return model.File{AssetID: a.GetDirectPath(), MimeType: a.GetMimetype(), Size: int64(a.GetFileLength())}
	case msg.GetLocationMessage() != nil:
		loc := msg.GetLocationMessage()
		return model.Location{
			Latitude:  loc.GetDegreesLatitude(),
			Longitude: loc.GetDegreesLongitude(),
			Name:      loc.GetName(),
		}
	default:
		return nil
	}
}

// revokedID returns the id of the message a revoke targets, or "".
func revokedID(msg *waE2E.Message) string {
	pm := msg.GetProtocolMessage()
	if pm == nil || pm.GetType() != waE2E.ProtocolMessage_REVOKE {
		return ""
	}
	return pm.GetKey().GetID()
}

// BuildMessage converts mirror content into a whatsmeow message body.
func BuildMessage(content model.Content) (*waE2E.Message, error) {
	switch c := content.(type) {
	case model.Text:
		if len(c.Mentions) == 0 && c.QuotedNonce == "" {
			return &waE2E.Message{Conversation: proto.String(c.Body)}, nil
		}
		ci := &waE2E.ContextInfo{MentionedJID: c.Mentions}
		if c.QuotedNonce != "" {
			ci.StanzaID = proto.String(c.QuotedNonce)
		}
		return &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text:        proto.String(c.Body),
				ContextInfo: ci,
			},
		}, nil
	case model.Location:
		loc := &waE2E.LocationMessage{
			DegreesLatitude:  proto.Float64(c.Latitude),
			DegreesLongitude: proto.Float64(c.Longitude),
		}
		if c.Name != "" {
			loc.Name = proto.String(c.Name)
		}
		return &waE2E.Message{LocationMessage: loc}, nil
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrUnsupportedContent)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContent, content.Kind())
	}
}

func normalizeJIDs(raw []string) []string {
	if len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		jid, err := types.ParseJID(s)
		if err != nil {
			out = append(out, s)
			continue
		}
		out = append(out, remoteID(jid))
	}
	return out
}

func parseJIDs(rids []string) ([]types.JID, error) {
	out := make([]types.JID, 0, len(rids))
	for _, rid := range rids {
		jid, err := types.ParseJID(rid)
		if err != nil {
			return nil, fmt.Errorf("parse JID %q: %w", rid, err)
		}
		out = append(out, jid)
	}
	return out, nil
}
