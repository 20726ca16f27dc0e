package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/crosswire-labs/crosswire/internal/wire"
)

type recordingQueue struct {
	mu     sync.Mutex
	events []wire.Event
}

func (q *recordingQueue) Enqueue(ev wire.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, ev)
	return true
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func runRabbitMQ(t *testing.T) (string, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("rabbitmq container unavailable: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5672")
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("mapped port: %v", err)
	}
	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
	cleanup := func() { _ = c.Terminate(ctx) }
	return url, cleanup
}

func publish(t *testing.T, ch *amqp091.Channel, queue string, body []byte) {
	t.Helper()
	if err := ch.PublishWithContext(context.Background(), "", queue, false, false,
		amqp091.Publishing{ContentType: "application/json", Body: body}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestAdapterIntegration_AckAndDrop(t *testing.T) {
	url, cleanup := runRabbitMQ(t)
	defer cleanup()

	q := &recordingQueue{}
	cfg := Config{Enabled: true, URL: url, Queue: "crosswire.it", ConsumerTag: "crosswire-it"}
	adapter, err := NewAdapter(cfg, q)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := adapter.Start(ctx); err != nil {
		t.Fatalf("adapter start: %v", err)
	}
	defer adapter.Close()

	conn, err := amqp091.Dial(url)
	if err != nil {
		t.Fatalf("dial amqp: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	defer ch.Close()

	good := []byte(`{
		"delivery_id": "it-1",
		"source_chain_id": 137,
		"emitter": "0x4444444444444444444444444444444444444444",
		"topics": ["0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"],
		"block_number": 42
	}`)
	publish(t, ch, cfg.Queue, good)
	publish(t, ch, cfg.Queue, []byte(`{"source_chain_id":137`))

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if q.count() >= 1 && adapter.Malformed() >= 1 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if q.count() != 1 {
		t.Fatalf("expected exactly one enqueued event, got %d", q.count())
	}
	if adapter.Malformed() != 1 {
		t.Fatalf("expected one malformed delivery, got %d", adapter.Malformed())
	}

	// The malformed message must be dropped, not requeued.
	out, err := ch.Consume(cfg.Queue, "verify-empty", false, false, false, false, nil)
	if err != nil {
		t.Fatalf("consume verify queue: %v", err)
	}
	select {
	case d := <-out:
		_ = d.Nack(false, true)
		t.Fatalf("expected malformed message to be dropped, got redelivery")
	case <-time.After(700 * time.Millisecond):
	}
}
