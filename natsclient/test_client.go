package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestServer runs a disposable NATS container with JetStream enabled
// for integration tests.
type TestServer struct {
	container testcontainers.Container
	Client    *Client
	URL       string
	cleanup   func()
}

// testServerConfig holds configuration for the test server
type testServerConfig struct {
	natsVersion  string
	startTimeout time.Duration
}

// TestServerOption configures a test server
type TestServerOption func(*testServerConfig)

// WithNATSVersion pins the NATS server image version
func WithNATSVersion(version string) TestServerOption {
	return func(cfg *testServerConfig) {
		cfg.natsVersion = version
	}
}

// WithStartTimeout sets how long to wait for the container to come up
func WithStartTimeout(d time.Duration) TestServerOption {
	return func(cfg *testServerConfig) {
		cfg.startTimeout = d
	}
}

// StartTestServer starts a NATS container and connects a Client to it.
// The container and connection are torn down via t.Cleanup. Tests that
// call this should skip themselves in -short mode.
func StartTestServer(t *testing.T, opts ...TestServerOption) *TestServer {
	t.Helper()

	cfg := &testServerConfig{
		natsVersion:  "2.10-alpine",
		startTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.startTimeout)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:" + cfg.natsVersion,
			ExposedPorts: []string{"4222/tcp"},
			Cmd:          []string{"--jetstream"},
			WaitingFor:   wait.ForListeningPort("4222/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start NATS container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4222/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	url := fmt.Sprintf("nats://%s:%s", host, port.Port())

	client, err := NewClient(url, WithName("integration-test"))
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect to test server: %v", err)
	}

	server := &TestServer{
		container: container,
		Client:    client,
		URL:       url,
	}
	server.cleanup = func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		_ = client.Close(closeCtx)
		_ = container.Terminate(closeCtx)
	}
	t.Cleanup(server.cleanup)

	return server
}
