package kafkalog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rzbill/flostream/internal/streamlog"
	"github.com/rzbill/flostream/internal/streamlog/logtest"
)

// startRedpanda returns the broker address of a throwaway redpanda node, or
// skips when no container runtime is available.
func startRedpanda(t *testing.T) (broker string) {
	t.Helper()
	if testing.Short() {
		t.Skip("broker tests need a container runtime")
	}
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd: []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M",
			"--reserve-memory", "0M", "--check=false", "--node-id", "0",
			"--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor: wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "9092")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestContract(t *testing.T) {
	broker := startRedpanda(t)
	n := 0
	logtest.Run(t, logtest.Backend{
		Timeout:       10 * time.Second,
		RebalanceWait: time.Second,
		Setup: func(t *testing.T) func() streamlog.Manager {
			n++
			prefix := fmt.Sprintf("c%d.", n)
			return func() streamlog.Manager {
				m, err := NewManager(Options{Brokers: []string{broker}, TopicPrefix: prefix, ClientID: "flostream-test"})
				require.NoError(t, err)
				return m
			}
		},
	})
}

func TestNewManagerNeedsBrokers(t *testing.T) {
	_, err := NewManager(Options{})
	assert.Error(t, err)
}

func TestTopicNames(t *testing.T) {
	m := &Manager{opts: Options{TopicPrefix: "dev."}}
	name := streamlog.MustName("orders/created")
	assert.Equal(t, "dev.orders-created", m.topic(name))

	back, ok := m.nameOf("dev.orders-created")
	require.True(t, ok)
	assert.Equal(t, name, back)

	_, ok = m.nameOf("prod.orders-created")
	assert.False(t, ok)
	_, ok = m.nameOf("dev.__consumer_offsets")
	assert.False(t, ok)
}
