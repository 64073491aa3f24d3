package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"tracerelay/internal/domain"

	"github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRabbitMQContainerIntegration(t *testing.T) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForLog("Server startup complete"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "5672")
	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())

	f, err := NewForwarder(Config{Enabled: true, URL: url, Exchange: "tracerelay"})
	if err != nil {
		t.Fatalf("new forwarder: %v", err)
	}
	if err := f.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	// Bind a queue before publishing so the message is not dropped.
	conn, err := amqp091.Dial(url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	defer ch.Close()
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		t.Fatalf("declare queue: %v", err)
	}
	if err := ch.QueueBind(q.Name, "#", "tracerelay", false, nil); err != nil {
		t.Fatalf("bind queue: %v", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	rec := domain.EventRecord{TimeCreatedUTCNs: time.Now().UnixNano(), EventID: 7, Provider: "svc", Message: "relayed"}
	if err := f.Forward(ctx, "application-events", rec); err != nil {
		t.Fatalf("forward: %v", err)
	}

	select {
	case d := <-deliveries:
		if d.RoutingKey != "applicat" {
			t.Fatalf("routing key = %q", d.RoutingKey)
		}
		var env map[string]any
		if err := json.Unmarshal(d.Body, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env["message"] != "relayed" {
			t.Fatalf("unexpected envelope: %v", env)
		}
	case <-time.After(8 * time.Second):
		t.Fatalf("timed out waiting for published record")
	}
}
