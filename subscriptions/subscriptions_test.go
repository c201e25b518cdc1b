package subscriptions_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"

	"github.com/tandemhq/tandem/subscriptions"
	"github.com/tandemhq/tandem/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegistry_Register(t *testing.T) {
	t.Parallel()

	t.Run("Supersede", func(t *testing.T) {
		t.Parallel()

		registry := subscriptions.New(testutil.Logger(t))

		cleanupACalls := 0
		cleanupBCalls := 0
		registry.Register("tasks-workspaceA", func() { cleanupACalls++ }, "ChatList", "listener")
		registry.Register("tasks-workspaceA", func() { cleanupBCalls++ }, "ChatList", "listener")

		// The first cleanup runs exactly once, superseded by the second
		// registration.
		require.Equal(t, 1, cleanupACalls)
		require.Equal(t, 0, cleanupBCalls)
		require.Equal(t, 1, registry.Len())

		registry.Unregister("tasks-workspaceA")
		require.Equal(t, 1, cleanupACalls)
		require.Equal(t, 1, cleanupBCalls)
		require.Equal(t, 0, registry.Len())
	})

	t.Run("SupersededReentrant", func(t *testing.T) {
		t.Parallel()

		registry := subscriptions.New(testutil.Logger(t))

		// A superseded cleanup that unregisters its own key must not tear
		// down the registration that replaced it: the old cleanup runs
		// before the new entry is stored.
		registry.Register("doc-42", func() { registry.Unregister("doc-42") }, "ownerA", "listener")
		newCalls := 0
		registry.Register("doc-42", func() { newCalls++ }, "ownerB", "listener")

		require.Equal(t, 1, registry.Len())
		require.Equal(t, 0, newCalls)
		require.Equal(t, "ownerB", registry.Introspect()["doc-42"].Owner)

		registry.Unregister("doc-42")
		require.Equal(t, 1, newCalls)
		require.Equal(t, 0, registry.Len())
	})

	t.Run("SupersededOwner", func(t *testing.T) {
		t.Parallel()

		registry := subscriptions.New(testutil.Logger(t))
		registry.Register("chat-room-7", func() {}, "ownerA", "listener")
		registry.Register("chat-room-7", func() {}, "ownerB", "listener")

		info := registry.Introspect()
		require.Len(t, info, 1)
		require.Equal(t, "ownerB", info["chat-room-7"].Owner)
	})
}

func TestRegistry_Unregister(t *testing.T) {
	t.Parallel()

	t.Run("InvokesCleanupOnce", func(t *testing.T) {
		t.Parallel()

		registry := subscriptions.New(testutil.Logger(t))
		calls := 0
		registry.Register("calendar", func() { calls++ }, "Calendar", "listener")

		registry.Unregister("calendar")
		registry.Unregister("calendar")
		require.Equal(t, 1, calls)
	})

	t.Run("MissingKeyIsNoop", func(t *testing.T) {
		t.Parallel()

		registry := subscriptions.New(testutil.Logger(t))
		registry.Unregister("never-registered")
		require.Equal(t, 0, registry.Len())
	})

	t.Run("PanickingCleanup", func(t *testing.T) {
		t.Parallel()

		// The recovered panic is logged at error level.
		logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
		registry := subscriptions.New(logger)

		siblingCalls := 0
		registry.Register("broken", func() { panic("cleanup exploded") }, "owner", "listener")
		registry.Register("sibling", func() { siblingCalls++ }, "owner", "listener")

		// The panicking cleanup is swallowed; the entry is still removed and
		// the sibling cleanup still runs.
		registry.UnregisterOwner("owner")
		require.Equal(t, 1, siblingCalls)
		require.Equal(t, 0, registry.Len())
	})

	t.Run("Reentrant", func(t *testing.T) {
		t.Parallel()

		registry := subscriptions.New(testutil.Logger(t))
		registry.Register("inner", func() {}, "owner", "listener")
		registry.Register("outer", func() {
			// A cleanup unregistering another entry must not deadlock.
			registry.Unregister("inner")
		}, "owner", "listener")

		registry.Unregister("outer")
		require.Equal(t, 0, registry.Len())
	})
}

func TestRegistry_UnregisterPrefix(t *testing.T) {
	t.Parallel()

	registry := subscriptions.New(testutil.Logger(t))

	calls := map[string]int{}
	for _, key := range []string{"tasks-a", "tasks-b", "chat-a"} {
		key := key
		registry.Register(key, func() { calls[key]++ }, "owner", "listener")
	}

	registry.UnregisterPrefix("tasks-")

	require.Equal(t, 1, calls["tasks-a"])
	require.Equal(t, 1, calls["tasks-b"])
	require.Equal(t, 0, calls["chat-a"])
	require.Equal(t, 1, registry.Len())

	info := registry.Introspect()
	require.Contains(t, info, "chat-a")
}

func TestRegistry_UnregisterOwner(t *testing.T) {
	t.Parallel()

	registry := subscriptions.New(testutil.Logger(t))

	calls := map[string]int{}
	registry.Register("a", func() { calls["a"]++ }, "Documents", "listener")
	registry.Register("b", func() { calls["b"]++ }, "Documents", "draft-sync")
	registry.Register("c", func() { calls["c"]++ }, "Calendar", "listener")

	registry.UnregisterOwner("Documents")

	require.Equal(t, 1, calls["a"])
	require.Equal(t, 1, calls["b"])
	require.Equal(t, 0, calls["c"])
	require.Equal(t, 1, registry.Len())
}

func TestRegistry_UnregisterAll(t *testing.T) {
	t.Parallel()

	registry := subscriptions.New(testutil.Logger(t))
	total := 0
	for _, key := range []string{"a", "b", "c"} {
		registry.Register(key, func() { total++ }, "owner", "listener")
	}
	registry.UnregisterAll()
	require.Equal(t, 3, total)
	require.Equal(t, 0, registry.Len())
}

func TestRegistry_Introspect(t *testing.T) {
	t.Parallel()

	clock := quartz.NewMock(t)
	registry := subscriptions.New(testutil.Logger(t), subscriptions.WithClock(clock))

	registry.Register("docs-42", func() {}, "DocumentEditor", "draft-sync")
	clock.Advance(90 * time.Second)

	info := registry.Introspect()
	require.Len(t, info, 1)
	require.Equal(t, "DocumentEditor", info["docs-42"].Owner)
	require.Equal(t, "draft-sync", info["docs-42"].Kind)
	require.Equal(t, int64(90), info["docs-42"].AgeSeconds)
}
