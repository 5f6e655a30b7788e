package lock_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var redisAddr string

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		slog.Error("failed to start Redis container", "error", err)
		os.Exit(1)
	}
	redisAddr, err = container.Endpoint(ctx, "")
	if err != nil {
		slog.Error("failed to get Redis endpoint", "error", err)
		_ = container.Terminate(ctx)
		os.Exit(1)
	}

	code := m.Run()

	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := container.Terminate(terminateCtx); err != nil {
		slog.Error("failed to terminate Redis container", "error", err)
	}
	os.Exit(code)
}
