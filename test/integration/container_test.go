//go:build integration

package integration

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	postgresImage = "postgres:16-alpine"
	readyTimeout  = 30 * time.Second
)

// startContainer runs a disposable postgres through the Docker CLI and
// returns its connection string and a function that removes it. Docker
// picks the host port.
func startContainer(ctx context.Context) (string, func(), error) {
	name := "queue-integration-" + uuid.NewString()[:8]

	out, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm",
		"--name", name,
		"-P",
		"-e", "POSTGRES_USER=queue",
		"-e", "POSTGRES_PASSWORD=queue",
		"-e", "POSTGRES_DB=queuetest",
		postgresImage,
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run: %w: %s", err, out)
	}
	stop := func() { _ = exec.Command("docker", "rm", "-f", name).Run() }

	hostPort, err := mappedPort(ctx, name)
	if err != nil {
		stop()
		return "", nil, err
	}

	connStr := fmt.Sprintf("postgres://queue:queue@%s/queuetest?sslmode=disable", hostPort)
	if err := awaitReady(ctx, connStr); err != nil {
		stop()
		return "", nil, err
	}
	return connStr, stop, nil
}

// mappedPort reads the host address Docker bound to the container's 5432.
func mappedPort(ctx context.Context, name string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", "port", name, "5432/tcp").Output()
	if err != nil {
		return "", fmt.Errorf("docker port: %w", err)
	}
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if line == "" {
		return "", fmt.Errorf("docker port: no mapping for %s", name)
	}
	return strings.Replace(line, "0.0.0.0", "127.0.0.1", 1), nil
}

func awaitReady(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(readyTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attempt, cancel := context.WithTimeout(ctx, 2*time.Second)
		conn, err := pgx.Connect(attempt, connStr)
		if err == nil {
			err = conn.Ping(attempt)
			_ = conn.Close(attempt)
		}
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("postgres not ready after %v: %w", readyTimeout, lastErr)
}
