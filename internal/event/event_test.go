package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/convsync/internal/model"
)

var ts = time.UnixMilli(1_700_000_000_500)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		update  Update
		wantErr bool
	}{
		{"message add", New("c@s", "u@s", "n1", ts, MessageAdd{Content: model.Text{Body: "hi"}}), false},
		{"archive", New("c@s", "", "", ts, Archive{Archived: true}), false},
		{"clear", New("c@s", "", "", ts, Clear{}), false},
		{"call", New("c@s", "u@s", "", ts, Call{State: CallMissed}), false},
		{"missing conversation", New("", "u@s", "n1", ts, MessageAdd{Content: model.Knock{}}), true},
		{"missing timestamp", New("c@s", "u@s", "n1", time.Time{}, MessageAdd{Content: model.Knock{}}), true},
		{"missing nonce", New("c@s", "u@s", "", ts, MessageAdd{Content: model.Knock{}}), true},
		{"missing sender", New("c@s", "", "n1", ts, MessageAdd{Content: model.Knock{}}), true},
		{"nil content", New("c@s", "u@s", "n1", ts, MessageAdd{}), true},
		{"nil payload", New("c@s", "u@s", "n1", ts, nil), true},
		{"empty rename", New("c@s", "u@s", "", ts, Rename{}), true},
		{"empty member join", New("c@s", "u@s", "", ts, MemberJoin{}), true},
		{"bad call state", New("c@s", "u@s", "", ts, Call{State: "ringing"}), true},
		{"create without local id", New("c@s", "", "", ts, Create{}), true},
		{"type mismatch", Update{Type: TypeMute, ConversationID: "c@s", Timestamp: ts, Payload: Archive{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.update.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	raw := []byte(`[
		{"type":"conversation.message-add","conversation":"c@s","from":"u@s","nonce":"abc","time":500,
		 "conversation_type":"group","data":{"kind":"text","content":{"body":"hi","mentions":["self@s"]}}},
		{"type":"conversation.archive","conversation":"c@s","time":600,"data":{"archived":true}},
		{"type":"conversation.connection","conversation":"c@s","time":700,
		 "data":{"status":"pending","requested_at":650,"user":"u@s"}},
		{"type":"conversation.bogus","conversation":"c@s","time":800}
	]`)
	got, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, got, 4)

	add := got[0]
	require.NoError(t, add.Validate())
	assert.Equal(t, TypeMessageAdd, add.Type)
	assert.Equal(t, "abc", add.Nonce)
	assert.Equal(t, time.UnixMilli(500), add.Timestamp)
	assert.Equal(t, model.ConversationGroup, add.ConversationType)
	assert.Equal(t, MessageAdd{Content: model.Text{Body: "hi", Mentions: []string{"self@s"}}}, add.Payload)

	assert.Equal(t, Archive{Archived: true}, got[1].Payload)
	assert.Equal(t, Connection{
		Status:      model.ConnectionPending,
		RequestedAt: time.UnixMilli(650),
		UserID:      "u@s",
	}, got[2].Payload)

	assert.ErrorIs(t, got[3].Validate(), ErrMalformed)
}

func TestDecodeSingleObject(t *testing.T) {
	got, err := Decode([]byte(`{"type":"conversation.clear","conversation":"c@s","time":1}`))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Clear{}, got[0].Payload)
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`[{"type":`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeDecode(t *testing.T) {
	in := []Update{
		New("c@s", "u@s", "n1", ts, MessageAdd{Content: model.Location{Latitude: 1, Longitude: 2}}),
		New("c@s", "u@s", "", ts, MemberJoin{UserIDs: []string{"a@s", "b@s"}}),
		New("c@s", "", "", ts, Create{LocalID: "local-1", ConvType: model.ConversationGroup, Name: "G"}),
		New("c@s", "", "n1", ts, MessageHide{}),
		New("c@s", "u@s", "", ts, Confirmation{Nonces: []string{"n1"}, Read: true}),
	}
	in[0].ConversationType = model.ConversationOneToOne

	raw, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
