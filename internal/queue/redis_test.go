package queue

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else if err := connectTestRedis(ctx); err != nil {
		fmt.Printf("Redis not reachable, integration tests will be skipped: %v\n", err)
		skipIntegration = true
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

func connectTestRedis(ctx context.Context) error {
	host, err := testRedisContainer.Host(ctx)
	if err != nil {
		return err
	}
	port, err := testRedisContainer.MappedPort(ctx, "6379")
	if err != nil {
		return err
	}
	testRedisClient = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	return testRedisClient.Ping(ctx).Err()
}

// getRedis returns the shared client with a flushed database, or skips.
func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	if err := testRedisClient.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
	return testRedisClient
}

func TestRedisQueue(t *testing.T) {
	queueContract(t, func(t *testing.T, cfg Config) Queue {
		q, err := NewRedis(RedisOptions{Config: cfg, Client: getRedis(t), Prefix: "test"})
		require.NoError(t, err)
		return q
	})
}

func TestRedisQueueKeepsJobRecord(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	q, err := NewRedis(RedisOptions{Config: testConfig(1), Client: rdb, Prefix: "test"})
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "file_1", EnqueueOptions{JobID: "job_1", MaxAttempts: 3})
	require.NoError(t, err)

	job, err := q.Enqueue(ctx, "other", EnqueueOptions{JobID: "job_1"})
	require.NoError(t, err)
	assert.Equal(t, "file_1", job.Ref)
	assert.Equal(t, 3, job.MaxAttempts)

	ttl, err := rdb.TTL(ctx, "test:runs:job:job_1").Result()
	require.NoError(t, err)
	assert.Less(t, ttl.Seconds(), float64(0))
}

func TestNewRedisValidation(t *testing.T) {
	_, err := NewRedis(RedisOptions{Config: testConfig(1)})
	assert.Error(t, err)

	_, err = NewRedis(RedisOptions{Client: redis.NewClient(&redis.Options{})})
	assert.Error(t, err)
}
