package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentCodec(t *testing.T) {
	cases := []Content{
		Text{Body: "hello @bob", Mentions: []string{"bob@s"}, QuotedNonce: "q1"},
		Image{AssetID: "a1", MimeType: "image/png", Width: 10, Height: 20},
		Knock{},
		System{Type: SystemMissedCall, Users: []string{"bob@s"}},
		File{AssetID: "f1", Name: "doc.pdf", MimeType: "application/pdf", Size: 42},
		Location{Latitude: 1.5, Longitude: -2.25, Name: "Home", Zoom: 12},
	}
	for _, c := range cases {
		t.Run(string(c.Kind()), func(t *testing.T) {
			kind, data, err := EncodeContent(c)
			require.NoError(t, err)
			got, err := DecodeContent(kind, data)
			require.NoError(t, err)
			assert.Equal(t, c, got)
		})
	}
}

func TestContentCodecErrors(t *testing.T) {
	_, _, err := EncodeContent(nil)
	assert.Error(t, err)

	_, err = DecodeContent("sticker", []byte("{}"))
	assert.Error(t, err)

	_, err = DecodeContent(KindText, []byte("{"))
	assert.Error(t, err)
}

func TestGeneratesUnread(t *testing.T) {
	assert.True(t, GeneratesUnread(Text{}))
	assert.True(t, GeneratesUnread(Knock{}))
	assert.True(t, GeneratesUnread(Image{}))
	assert.True(t, GeneratesUnread(System{Type: SystemMissedCall}))
	assert.False(t, GeneratesUnread(System{Type: SystemParticipantsAdded}))
	assert.False(t, GeneratesUnread(nil))
}
