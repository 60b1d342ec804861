//go:build integration

package status

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisStore_Integration_RoundTrip(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	store := NewRedisStore(redisClient, "", 0)
	ctx := context.Background()

	if _, ok, err := store.GetStatus(ctx, "absent"); err != nil || ok {
		t.Fatalf("GetStatus(absent) = ok=%v err=%v, want not found", ok, err)
	}

	status := RunStatus{
		RunID:       "run-42",
		Account:     "acct",
		Site:        "https://example.com/",
		State:       StateRunning,
		Dates:       7,
		APICalls:    12,
		HTTPBatches: 3,
		StartedAt:   time.Now().UTC(),
	}
	if err := store.SetStatus(ctx, status); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	got, ok, err := store.GetStatus(ctx, "run-42")
	if err != nil || !ok {
		t.Fatalf("GetStatus() = ok=%v err=%v, want found", ok, err)
	}
	if got.State != StateRunning || got.Dates != 7 || got.APICalls != 12 {
		t.Errorf("GetStatus() = %+v", got)
	}

	status.State = StateHalted
	status.Reason = "queue overflow"
	if err := store.SetStatus(ctx, status); err != nil {
		t.Fatalf("SetStatus() update error = %v", err)
	}

	got, _, _ = store.GetStatus(ctx, "run-42")
	if got.State != StateHalted || got.Reason != "queue overflow" {
		t.Errorf("Updated status = %+v", got)
	}
}

func TestRedisStore_Integration_TTL(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	store := NewRedisStore(redisClient, "ttltest:run:", 2*time.Second)
	ctx := context.Background()

	if err := store.SetStatus(ctx, RunStatus{RunID: "short", State: StateCompleted}); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	if _, ok, _ := store.GetStatus(ctx, "short"); !ok {
		t.Fatal("Status should exist before TTL expiry")
	}

	time.Sleep(3 * time.Second)

	if _, ok, _ := store.GetStatus(ctx, "short"); ok {
		t.Error("Status should have expired")
	}
}
