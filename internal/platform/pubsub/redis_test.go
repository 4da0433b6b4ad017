package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hospital/patientflow/internal/platform/notification"
)

type fakeRedis struct {
	channel string
	payload []byte
	err     error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

type sinkPublisher struct {
	msgs []notification.Message
}

func (s *sinkPublisher) Name() string { return "sink" }

func (s *sinkPublisher) Publish(_ context.Context, m notification.Message) error {
	s.msgs = append(s.msgs, m)
	return nil
}

func TestRedisPublisher_PrefixesChannel(t *testing.T) {
	fake := &fakeRedis{}
	p := NewRedisPublisher(fake, "")
	msg := notification.Message{Channel: notification.AdminChannel, Kind: notification.KindQueueChanged, Origin: "node-a", Data: json.RawMessage(`{}`)}

	if err := p.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if fake.channel != "patientflow:admin" {
		t.Errorf("expected prefixed channel, got %q", fake.channel)
	}
	var got notification.Message
	if err := json.Unmarshal(fake.payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.Origin != "node-a" || got.Kind != notification.KindQueueChanged {
		t.Errorf("unexpected payload: %+v", got)
	}
	if p.Name() != "redis" {
		t.Errorf("unexpected name %q", p.Name())
	}
}

func TestRedisPublisher_WrapsError(t *testing.T) {
	boom := errors.New("connection refused")
	p := NewRedisPublisher(&fakeRedis{err: boom}, "pf:")
	err := p.Publish(context.Background(), notification.Message{Channel: "admin"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped redis error, got %v", err)
	}
}

func encode(t *testing.T, m notification.Message) string {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestRelay_Handle(t *testing.T) {
	sink := &sinkPublisher{}
	r := NewRelay(nil, "", "node-a", sink, zerolog.Nop())
	ctx := context.Background()

	r.handle(ctx, "patientflow:admin", encode(t, notification.Message{Channel: "admin", Origin: "node-b", Kind: "k"}))
	r.handle(ctx, "patientflow:admin", encode(t, notification.Message{Channel: "admin", Origin: "node-a"}))
	r.handle(ctx, "patientflow:admin", encode(t, notification.Message{Channel: "patient:x", Origin: "node-b"}))
	r.handle(ctx, "patientflow:admin", "{not json")

	if len(sink.msgs) != 1 {
		t.Fatalf("expected only the foreign admin message to be relayed, got %d", len(sink.msgs))
	}
	if sink.msgs[0].Origin != "node-b" || sink.msgs[0].Kind != "k" {
		t.Errorf("unexpected relayed message: %+v", sink.msgs[0])
	}
}
