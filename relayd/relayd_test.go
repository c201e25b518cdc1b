package relayd_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tandemhq/tandem/relayd"
	"github.com/tandemhq/tandem/relaysdk"
	"github.com/tandemhq/tandem/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startServer(t *testing.T) (*relayd.Server, *relaysdk.Client) {
	t.Helper()
	srv := relayd.New(relayd.Options{
		Logger: testutil.Logger(t),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	client, err := relaysdk.New(ts.URL)
	require.NoError(t, err)
	return srv, client
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	_, client := startServer(t)
	require.NoError(t, client.Healthz(ctx))
}

func TestServer_RelayRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitLong)
	_, client := startServer(t)

	connA, err := client.Dial(ctx, "doc-42")
	require.NoError(t, err)
	defer connA.Close()
	connB, err := client.Dial(ctx, "doc-42")
	require.NoError(t, err)
	defer connB.Close()

	// B blocks in Receive before A sends, the way a live collaborator would.
	received := make(chan []byte, 1)
	go func() {
		got, err := connB.Receive(ctx)
		if err != nil {
			close(received)
			return
		}
		received <- got
	}()

	payload := []byte{1, 2, 3}
	require.NoError(t, connA.Send(ctx, payload))
	require.Equal(t, payload, testutil.RequireReceive(ctx, t, received))

	// The sender is excluded from its own broadcast: the next payload A
	// receives is B's reply, not an echo of A's send.
	reply := []byte("reply")
	require.NoError(t, connB.Send(ctx, reply))
	got, err := connA.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, reply, got)
}

func TestServer_RoomIsolation(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitLong)
	_, client := startServer(t)

	connA, err := client.Dial(ctx, "doc-42")
	require.NoError(t, err)
	defer connA.Close()
	connB, err := client.Dial(ctx, "doc-42")
	require.NoError(t, err)
	defer connB.Close()
	outsider, err := client.Dial(ctx, "doc-7")
	require.NoError(t, err)
	defer outsider.Close()

	require.NoError(t, connA.Send(ctx, []byte("scoped")))

	got, err := connB.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("scoped"), got)

	// The outsider's room saw nothing.
	recvCtx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	_, err = outsider.Receive(recvCtx)
	require.Error(t, err)
}

func TestServer_CloseTerminatesConnections(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitLong)
	srv, client := startServer(t)

	conn, err := client.Dial(ctx, "doc-42")
	require.NoError(t, err)
	defer conn.Close()

	srv.Close()

	_, err = conn.Receive(ctx)
	require.Error(t, err)
}

func TestServer_DialAfterClose(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	srv, client := startServer(t)
	srv.Close()

	_, err := client.Dial(ctx, "doc-42")
	require.Error(t, err)
}
