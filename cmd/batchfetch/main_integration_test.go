//go:build integration

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/batchfetch/internal/testutil"
	"github.com/Sternrassler/batchfetch/pkg/config"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestRedis(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	return host + ":" + port.Port(), func() { redisC.Terminate(ctx) }
}

func TestRun_SharedRedisLimiter(t *testing.T) {
	addr, cleanup := setupTestRedis(t)
	defer cleanup()

	mock := testutil.NewMockServer()
	defer mock.Close()

	cfg := testConfig(t, mock, 6)
	cfg.Redis.Addr = addr

	var out bytes.Buffer
	if err := run(context.Background(), cfg, &out, false); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	if !strings.Contains(out.String(), "6 jobs done") {
		t.Errorf("output = %q, want 6 jobs done", out.String())
	}
	if peak := mock.GetPeakInFlight(); peak > cfg.Capacity {
		t.Errorf("server saw %d concurrent requests, want <= %d", peak, cfg.Capacity)
	}
}

func TestRun_TimedOutBatchFreesRedisSlots(t *testing.T) {
	addr, cleanup := setupTestRedis(t)
	defer cleanup()

	mock := testutil.NewMockServer()
	defer mock.Close()

	cfg := testConfig(t, mock, 2)
	mock.SetHang("/1")
	cfg.Capacity = 1
	cfg.Deadline = config.Duration(100 * time.Millisecond)
	cfg.Redis.Addr = addr
	cfg.Redis.Key = "batchfetch:test:cmd-timeout"

	if err := run(context.Background(), cfg, &bytes.Buffer{}, false); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	n, err := client.ZCard(context.Background(), cfg.Redis.Key).Result()
	if err != nil {
		t.Fatalf("ZCARD error = %v", err)
	}
	if n != 0 {
		t.Errorf("leases left after run = %d, want 0", n)
	}
}
