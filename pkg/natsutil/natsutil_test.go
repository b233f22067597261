package natsutil

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

type event struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func startServer(t *testing.T) (*natsserver.Server, *nats.Conn) {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	ns.Start()
	if !ns.ReadyForConnections(2 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	return ns, nc
}

func TestPublishSubscribe(t *testing.T) {
	ns, nc := startServer(t)
	defer ns.Shutdown()
	defer nc.Close()

	got := make(chan event, 1)
	sub, err := Subscribe(nc, "test.events", func(_ context.Context, e event) {
		got <- e
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := Publish(context.Background(), nc, "test.events", event{Name: "ping", Count: 3}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case e := <-got:
		if e.Name != "ping" || e.Count != 3 {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestSubscribe_DropsMalformed(t *testing.T) {
	ns, nc := startServer(t)
	defer ns.Shutdown()
	defer nc.Close()

	got := make(chan event, 1)
	sub, err := Subscribe(nc, "test.bad", func(_ context.Context, e event) {
		got <- e
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := nc.Publish("test.bad", []byte("not json")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case e := <-got:
		t.Fatalf("malformed message delivered: %+v", e)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRequest(t *testing.T) {
	ns, nc := startServer(t)
	defer ns.Shutdown()
	defer nc.Close()

	sub, err := nc.Subscribe("test.echo", func(msg *nats.Msg) {
		msg.Respond(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	resp, err := Request[event, event](context.Background(), nc, "test.echo", event{Name: "echo", Count: 1})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Name != "echo" {
		t.Fatalf("resp = %+v", resp)
	}
}
