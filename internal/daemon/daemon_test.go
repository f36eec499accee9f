package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/session"
	"github.com/matheus3301/convsync/internal/status"
)

// withHome points the session tree at a short temporary directory.
func withHome(t *testing.T) string {
	t.Helper()
	// Use a short path to avoid the 104-char Unix socket limit on macOS.
	home, err := os.MkdirTemp("/tmp", "convsync-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv("HOME", home)
	return home
}

func TestDaemonLifecycle(t *testing.T) {
	home := withHome(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	app := fx.New(
		Module(Params{SessionName: "test", ConfigPath: filepath.Join(home, "none.toml")}),
		fx.NopLogger,
	)
	require.NoError(t, app.Err())
	require.NoError(t, app.Start(ctx))

	c, err := api.Dial(session.SocketPath("test"))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	resp, err := c.Call(ctx, "Status", nil)
	require.NoError(t, err)
	assert.Equal(t, "test", resp.GetFields()["session"].GetStringValue())
	assert.Equal(t, string(status.Offline), resp.GetFields()["status"].GetStringValue())

	events := `[{"type":"conversation.message-add","conversation":"c@s","from":"peer@s","nonce":"n1",
		"time":1000,"conversation_type":"one_to_one","data":{"kind":"text","content":{"body":"hi"}}}]`
	_, err = c.Call(ctx, "ApplyEvents", map[string]any{"events": events})
	require.NoError(t, err)

	// The directory follows store saves in the background.
	require.Eventually(t, func() bool {
		resp, err := c.Call(ctx, "ListConversations", nil)
		return err == nil && len(resp.GetFields()["conversations"].GetListValue().GetValues()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, app.Stop(ctx))

	_, err = os.Stat(session.SocketPath("test"))
	assert.True(t, os.IsNotExist(err), "socket should be removed on stop")

	lk, err := lock.Acquire(session.Dir("test"), "test")
	require.NoError(t, err, "lock should be released on stop")
	_ = lk.Release()
}

func TestDaemonKeepsMirrorAcrossRestarts(t *testing.T) {
	home := withHome(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	params := Params{SessionName: "test", ConfigPath: filepath.Join(home, "none.toml")}

	first := fx.New(Module(params), fx.NopLogger)
	require.NoError(t, first.Start(ctx))
	c, err := api.Dial(session.SocketPath("test"))
	require.NoError(t, err)
	_, err = c.Call(ctx, "ApplyEvents", map[string]any{
		"events": `{"type":"conversation.archive","conversation":"g@s","time":5,"conversation_type":"group","data":{"archived":true}}`,
	})
	require.NoError(t, err)
	_ = c.Close()
	require.NoError(t, first.Stop(ctx))

	second := fx.New(Module(params), fx.NopLogger)
	require.NoError(t, second.Start(ctx))
	defer func() { _ = second.Stop(ctx) }()
	c, err = api.Dial(session.SocketPath("test"))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	resp, err := c.Call(ctx, "ShowConversation", map[string]any{"conversation": "g@s"})
	require.NoError(t, err)
	st := resp.GetFields()["state"].GetStructValue().GetFields()
	assert.True(t, st["archived"].GetBoolValue())
	assert.Equal(t, "group", st["type"].GetStringValue())
}

func TestProvideConfigReadsOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := config.Default()
	cfg.SelfID = "me@s"
	require.NoError(t, config.Save(path, cfg))

	got, err := provideConfig(Params{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, "me@s", got.SelfID)
}

func TestOfflineProviders(t *testing.T) {
	cfg := config.Default()
	machine := status.NewMachine(nil)

	self, err := provideSelf(cfg, nil, machine, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, Self{RemoteID: "self@local", Name: "Me"}, self)
	assert.Equal(t, status.Booting, machine.Current())

	assert.Nil(t, providePusher(cfg, nil, nil, machine, nil, zap.NewNop()))
}

func TestListenReplacesStaleSocket(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "convsync-sock-*")
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(dir) }()
	path := filepath.Join(dir, "d.sock")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	srv, err := Listen(path, api.NewService("test", api.Backend{}, nil), zap.NewNop())
	require.NoError(t, err)
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.NotZero(t, info.Mode()&os.ModeSocket)
}
