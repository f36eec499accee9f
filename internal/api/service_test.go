package api

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/convsync/internal/actions"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/directory"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
	intsync "github.com/matheus3301/convsync/internal/sync"
)

const incoming = `[{"type":"conversation.message-add","conversation":"c@s","from":"peer@s","nonce":"n1",
	"time":1000,"conversation_type":"one_to_one","data":{"kind":"text","content":{"body":"hi"}}}]`

type fakeAccount struct{ loggedOut bool }

func (a *fakeAccount) IsLoggedIn() bool     { return !a.loggedOut }
func (a *fakeAccount) SelfRemoteID() string { return "self@s" }
func (a *fakeAccount) Logout(context.Context) error {
	a.loggedOut = true
	return nil
}

// newClient serves a Service over a Unix socket and returns a connected client.
func newClient(t *testing.T, account Account) *Client {
	t.Helper()
	ctx := context.Background()

	// Use a short path to stay under the Unix socket length limit.
	sockDir, err := os.MkdirTemp("/tmp", "convsync-api-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(sockDir) })
	socketPath := filepath.Join(sockDir, "d.sock")

	db, err := store.Open(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	st := store.New(db, b, zap.NewNop())
	_, err = st.EnsureSelf(ctx, "self@s", "Me")
	require.NoError(t, err)
	contexts, err := st.NewContexts(ctx)
	require.NoError(t, err)

	be := Backend{
		Store:     st,
		Actions:   actions.New(contexts.UI, b, actions.Options{}, zap.NewNop()),
		Directory: directory.New(st, b, zap.NewNop()),
		Engine:    intsync.NewEngine(st, contexts.Sync, b, intsync.Options{MaxRetries: 1}, zap.NewNop()),
		Machine:   status.NewMachine(b),
		Account:   account,
	}
	require.NoError(t, be.Directory.RefetchAll(ctx))

	srv := grpc.NewServer()
	NewService("test", be, zap.NewNop()).Register(srv)
	lis, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := Dial(socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func field(s *structpb.Struct, path ...string) *structpb.Value {
	v := structpb.NewStructValue(s)
	for _, p := range path {
		v = v.GetStructValue().GetFields()[p]
	}
	return v
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	require.Error(t, err)
	st, ok := grpcstatus.FromError(err)
	require.True(t, ok, "not a status error: %v", err)
	assert.Equal(t, want, st.Code(), st.Message())
}

func TestStatus(t *testing.T) {
	c := newClient(t, &fakeAccount{})
	resp, err := c.Call(context.Background(), "Status", nil)
	require.NoError(t, err)

	assert.Equal(t, "test", field(resp, "session").GetStringValue())
	assert.Equal(t, string(status.Booting), field(resp, "status").GetStringValue())
	assert.True(t, field(resp, "logged_in").GetBoolValue())
	assert.Equal(t, "self@s", field(resp, "account").GetStringValue())
	assert.Equal(t, float64(0), field(resp, "lists", "unarchived").GetNumberValue())
	assert.Equal(t, float64(0), field(resp, "pending_changes").GetNumberValue())
}

func TestApplyEventsThenList(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, nil)

	resp, err := c.Call(ctx, "ApplyEvents", map[string]any{"events": incoming})
	require.NoError(t, err)
	assert.Equal(t, float64(1), field(resp, "updates").GetNumberValue())
	assert.Equal(t, float64(1), field(resp, "outcomes", "message_created").GetNumberValue())
	assert.Equal(t, float64(1), field(resp, "touched").GetNumberValue())

	_, err = c.Call(ctx, "Refetch", nil)
	require.NoError(t, err)

	resp, err = c.Call(ctx, "ListConversations", nil)
	require.NoError(t, err)
	assert.Equal(t, "unarchived", field(resp, "list").GetStringValue())
	convs := field(resp, "conversations").GetListValue().GetValues()
	require.Len(t, convs, 1)
	entry := convs[0].GetStructValue().GetFields()
	assert.Equal(t, "c@s", entry["remote_id"].GetStringValue())
	assert.Equal(t, float64(1), entry["unread"].GetStructValue().GetFields()["count"].GetNumberValue())

	resp, err = c.Call(ctx, "ListConversations", map[string]any{"list": "archived"})
	require.NoError(t, err)
	assert.Empty(t, field(resp, "conversations").GetListValue().GetValues())
}

func TestApplyEventsReportsSkipped(t *testing.T) {
	c := newClient(t, nil)
	resp, err := c.Call(context.Background(), "ApplyEvents", map[string]any{
		"events": `[{"type":"conversation.bogus","conversation":"c@s","time":1}]`,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1), field(resp, "outcomes", "skipped").GetNumberValue())
	assert.Len(t, field(resp, "skipped").GetListValue().GetValues(), 1)
}

func TestApplyEventsRejectsInvalidJSON(t *testing.T) {
	c := newClient(t, nil)
	_, err := c.Call(context.Background(), "ApplyEvents", map[string]any{"events": `[{"type":`})
	requireCode(t, err, codes.InvalidArgument)
}

func TestLocalChanges(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, nil)
	_, err := c.Call(ctx, "ApplyEvents", map[string]any{"events": incoming})
	require.NoError(t, err)

	resp, err := c.Call(ctx, "AppendText", map[string]any{"conversation": "c@s", "text": "hello"})
	require.NoError(t, err)
	nonce := field(resp, "nonce").GetStringValue()
	require.NotEmpty(t, nonce)

	_, err = c.Call(ctx, "Archive", map[string]any{"conversation": "c@s", "archived": true})
	require.NoError(t, err)

	resp, err = c.Call(ctx, "ShowConversation", map[string]any{"conversation": "c@s"})
	require.NoError(t, err)
	assert.True(t, field(resp, "state", "archived").GetBoolValue())
	assert.Equal(t, "one_to_one", field(resp, "state", "type").GetStringValue())

	var nonces []string
	for _, m := range field(resp, "messages").GetListValue().GetValues() {
		nonces = append(nonces, m.GetStructValue().GetFields()["nonce"].GetStringValue())
	}
	assert.Contains(t, nonces, "n1")
	assert.Contains(t, nonces, nonce)

	resp, err = c.Call(ctx, "PendingChanges", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, field(resp, "changes").GetListValue().GetValues())
}

func TestErrorCodes(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, nil)

	tests := []struct {
		name   string
		method string
		req    map[string]any
		want   codes.Code
	}{
		{"missing field", "AppendText", map[string]any{"conversation": "c@s"}, codes.InvalidArgument},
		{"unknown conversation", "ShowConversation", map[string]any{"conversation": "nope@s"}, codes.NotFound},
		{"unknown list", "ListConversations", map[string]any{"list": "starred"}, codes.InvalidArgument},
		{"no transport", "Logout", nil, codes.Unavailable},
		{"unknown method", "Explode", nil, codes.Unimplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Call(ctx, tt.method, tt.req)
			requireCode(t, err, tt.want)
		})
	}
}

func TestLogout(t *testing.T) {
	account := &fakeAccount{}
	c := newClient(t, account)
	_, err := c.Call(context.Background(), "Logout", nil)
	require.NoError(t, err)
	assert.True(t, account.loggedOut)
}
