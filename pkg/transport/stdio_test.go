package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portbridge/portbridge/pkg/logger"
	terrors "github.com/portbridge/portbridge/pkg/transport/errors"
	"github.com/portbridge/portbridge/pkg/transport/types"
)

func stdioConfig(script string, timeoutMS int) types.ServiceConfig {
	return types.ServiceConfig{
		Name:      "stdio-test",
		Transport: types.TransportTypeStdio,
		Command:   "bash",
		Args:      []string{"-c", script},
		TimeoutMS: timeoutMS,
	}
}

func TestStdioSendAndReceive(t *testing.T) {
	t.Parallel()
	logger.Initialize()

	// The child answers every request with a fixed response for id "a".
	script := `while read line; do printf '{"jsonrpc":"2.0","id":"a","result":{"ok":true}}\n'; done`
	adapter := NewStdioAdapter(stdioConfig(script, 5000))

	ctx := context.Background()
	require.NoError(t, adapter.Connect(ctx))
	defer adapter.Disconnect(ctx)

	assert.Greater(t, adapter.PID(), 0)

	msg, err := NewRequestMessage("tools/list", nil, "a")
	require.NoError(t, err)

	resp, err := adapter.SendAndReceive(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "a", IDKey(resp.ID))
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
}

func TestStdioSkipsUnmatchedResponses(t *testing.T) {
	t.Parallel()
	logger.Initialize()

	// The child emits a stale response for an unknown id before answering.
	script := `read line
printf '{"jsonrpc":"2.0","id":"stale","result":{}}\n'
printf '{"jsonrpc":"2.0","id":"want","result":{"n":1}}\n'
read line2`
	adapter := NewStdioAdapter(stdioConfig(script, 5000))

	ctx := context.Background()
	require.NoError(t, adapter.Connect(ctx))
	defer adapter.Disconnect(ctx)

	msg, err := NewRequestMessage("tools/list", nil, "want")
	require.NoError(t, err)

	resp, err := adapter.SendAndReceive(ctx, msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(resp.Result))
}

func TestStdioTimeout(t *testing.T) {
	t.Parallel()
	logger.Initialize()

	// The child swallows requests without answering.
	script := `while read line; do :; done`
	adapter := NewStdioAdapter(stdioConfig(script, 200))

	ctx := context.Background()
	require.NoError(t, adapter.Connect(ctx))
	defer adapter.Disconnect(ctx)

	msg, err := NewRequestMessage("tools/list", nil, "a")
	require.NoError(t, err)

	_, err = adapter.SendAndReceive(ctx, msg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, terrors.ErrTimeout))
}

func TestStdioStderrAndExitEvents(t *testing.T) {
	t.Parallel()
	logger.Initialize()

	script := `echo "boom" >&2; exit 3`
	adapter := NewStdioAdapter(stdioConfig(script, 1000))

	ctx := context.Background()
	require.NoError(t, adapter.Connect(ctx))
	defer adapter.Disconnect(ctx)

	var stderrLine string
	var exitCode = -100

	deadline := time.After(5 * time.Second)
	for exitCode == -100 {
		select {
		case ev := <-adapter.Events():
			switch ev.Kind {
			case types.EventStderr:
				stderrLine = ev.Line
			case types.EventExit:
				exitCode = ev.ExitCode
			default:
			}
		case <-deadline:
			t.Fatal("timed out waiting for exit event")
		}
	}

	assert.Equal(t, "boom", stderrLine)
	assert.Equal(t, 3, exitCode)
}

func TestStdioDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()
	logger.Initialize()

	script := `while read line; do :; done`
	adapter := NewStdioAdapter(stdioConfig(script, 1000))

	ctx := context.Background()
	require.NoError(t, adapter.Connect(ctx))

	require.NoError(t, adapter.Disconnect(ctx))
	require.NoError(t, adapter.Disconnect(ctx))

	// A closed adapter refuses further sends.
	msg, err := NewRequestMessage("tools/list", nil, "a")
	require.NoError(t, err)
	err = adapter.Send(ctx, msg)
	assert.True(t, errors.Is(err, terrors.ErrNotConnected))
}

func TestStdioConnectFailsWithoutCommand(t *testing.T) {
	t.Parallel()
	logger.Initialize()

	adapter := NewStdioAdapter(types.ServiceConfig{Name: "bad", Transport: types.TransportTypeStdio})
	err := adapter.Connect(context.Background())
	assert.True(t, errors.Is(err, terrors.ErrConnect))
}

func TestOverlayEnv(t *testing.T) {
	t.Parallel()

	out := overlayEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3", "C": "4"})
	assert.ElementsMatch(t, []string{"A=1", "B=3", "C=4"}, out)
}
