package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/ent0n29/duavoice/internal/observability"
)

func startNATS(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatalf("embedded NATS server not ready")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns.ClientURL()
}

func TestNATSPublisherDeliversEnvelope(t *testing.T) {
	url := startNATS(t)

	sub, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("nats.Connect() error = %v", err)
	}
	defer sub.Close()
	msgs := make(chan *nats.Msg, 1)
	if _, err := sub.ChanSubscribe("test.credits.debited", msgs); err != nil {
		t.Fatalf("ChanSubscribe() error = %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	pub, err := ConnectNATS(url, "test", observability.DiscardLogger())
	if err != nil {
		t.Fatalf("ConnectNATS() error = %v", err)
	}
	defer pub.Close()
	if !pub.Healthy() {
		t.Fatalf("Healthy() = false after connect")
	}

	payload := map[string]any{"userId": "u1", "delta": -30}
	if err := pub.Publish(context.Background(), SubjectCreditsDebited, payload); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-msgs:
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Subject != SubjectCreditsDebited {
			t.Fatalf("Subject = %q, want %q", env.Subject, SubjectCreditsDebited)
		}
		var data map[string]any
		_ = json.Unmarshal(env.Data, &data)
		if data["userId"] != "u1" {
			t.Fatalf("data = %v, want userId u1", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no message received")
	}
}

func TestConnectNATSRejectsEmptyURL(t *testing.T) {
	if _, err := ConnectNATS(" ", "", observability.DiscardLogger()); err == nil {
		t.Fatalf("ConnectNATS(empty) error = nil")
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), SubjectSessionOpened, nil); err != nil {
		t.Fatalf("Nop.Publish() error = %v", err)
	}
}
