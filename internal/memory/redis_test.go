package memory

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	if url := os.Getenv("AGENTCORE_TEST_REDIS_URL"); url != "" {
		c, err := DialRedis(ctx, url)
		if err == nil {
			testRedisClient = c
		}
	} else if os.Getenv("AGENTCORE_INTEGRATION") != "" {
		startRedisContainer(ctx)
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func startRedisContainer(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("docker not available, redis tests will be skipped: %v\n", r)
		}
	}()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Printf("docker not available, redis tests will be skipped: %v\n", err)
		return
	}
	testRedisContainer = container
	host, err := container.Host(ctx)
	if err != nil {
		return
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		return
	}
	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	if err := client.Ping(ctx).Err(); err != nil {
		return
	}
	testRedisClient = client
}

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	if testRedisClient == nil {
		t.Skip("redis not available; set AGENTCORE_TEST_REDIS_URL or AGENTCORE_INTEGRATION=1")
	}
	store, err := NewRedisStore(RedisOptions{Client: testRedisClient, Scope: t.Name(), Prefix: fmt.Sprintf("test%d", time.Now().UnixNano())})
	require.NoError(t, err)
	return store
}

func TestRedisLedger(t *testing.T) {
	ctx := context.Background()
	ledgers := NewLedgers(newRedisStore(t))

	l, err := ledgers.Load(ctx)
	require.NoError(t, err)
	require.True(t, l.Empty())

	_, err = ledgers.Update(ctx, func(l *Ledger) { l.Goal = "g" })
	require.NoError(t, err)
	require.NoError(t, ledgers.AddDone(ctx, "x"))
	require.NoError(t, ledgers.Clear(ctx, true))

	l, err = ledgers.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "g", l.Goal)
	require.Empty(t, l.Done)
}

func TestRedisHandoffs(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)
	now := time.Now().UTC()

	oldID, err := store.Create(ctx, &Handoff{SessionID: "s", CreatedAt: now.Add(-48 * time.Hour), Summary: "old"})
	require.NoError(t, err)
	newID, err := store.Create(ctx, &Handoff{SessionID: "s", CreatedAt: now, Summary: "new"})
	require.NoError(t, err)

	recent, err := store.GetRecent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, newID, recent[0].ID)

	h, err := store.Get(ctx, oldID)
	require.NoError(t, err)
	require.Equal(t, "old", h.Summary)

	removed, err := store.Prune(ctx, now.Add(-24*time.Hour), 1)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = store.Get(ctx, oldID)
	require.ErrorIs(t, err, ErrHandoffNotFound)
}

func TestNewRedisStoreRequiresClient(t *testing.T) {
	_, err := NewRedisStore(RedisOptions{})
	require.Error(t, err)
}
