package eventbridge

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe(func(ev Event) { got = append(got, "a:"+string(ev.Type)) })
	b.Subscribe(func(ev Event) { got = append(got, "b:"+string(ev.Type)) })

	b.PublishForwardingChanged(true)

	if len(got) != 2 || got[0] != "a:forwardingChanged" || got[1] != "b:forwardingChanged" {
		t.Errorf("delivery mismatch: got %v", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	count := 0
	unsub := b.Subscribe(func(Event) { count++ })
	b.PublishForwardingChanged(false)
	unsub()
	unsub()
	b.PublishForwardingChanged(false)
	if count != 1 {
		t.Errorf("count mismatch: got %d, want 1", count)
	}
}

func TestForegroundTracking(t *testing.T) {
	b := New()
	if !b.IsForeground() {
		t.Fatal("bridge should start foregrounded")
	}

	var seen []EventType
	b.Subscribe(func(ev Event) { seen = append(seen, ev.Type) })

	b.SetForeground(false)
	if b.IsForeground() {
		t.Error("expected background after AppBackgrounded")
	}
	b.SetForeground(true)
	if !b.IsForeground() {
		t.Error("expected foreground after AppForegrounded")
	}
	if len(seen) != 2 || seen[0] != AppBackgrounded || seen[1] != AppForegrounded {
		t.Errorf("events mismatch: got %v", seen)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := New()
	reached := false
	b.Subscribe(func(Event) { panic("boom") })
	b.Subscribe(func(Event) { reached = true })
	b.PublishForwardingChanged(true)
	if !reached {
		t.Error("second handler should still run after a panic")
	}
}

type recordingPublisher struct {
	channel string
	payload []byte
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	p.channel = channel
	p.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func TestRedisMirrorPublishesForwardingChanges(t *testing.T) {
	b := New()
	pub := &recordingPublisher{}
	m, err := NewRedisMirror(b, pub, "forwarding-events")
	if err != nil {
		t.Fatalf("NewRedisMirror failed: %v", err)
	}
	defer m.Close()

	b.SetForeground(false)
	if pub.payload != nil {
		t.Fatal("foreground signals must not be mirrored")
	}

	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	b.Publish(Event{Type: ForwardingChanged, Enabled: true, At: at})

	if pub.channel != "forwarding-events" {
		t.Errorf("channel mismatch: got %s", pub.channel)
	}
	ev, err := DecodeEvent(pub.payload)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if ev.Type != ForwardingChanged || !ev.Enabled || !ev.At.Equal(at) {
		t.Errorf("decoded mismatch: got %+v", ev)
	}
}

func TestNewRedisMirrorValidates(t *testing.T) {
	if _, err := NewRedisMirror(New(), nil, "x"); err == nil {
		t.Error("expected error for nil client")
	}
	if _, err := NewRedisMirror(New(), &recordingPublisher{}, ""); err == nil {
		t.Error("expected error for empty channel")
	}
}

func TestEncodeEventKeepsNanoseconds(t *testing.T) {
	at := time.Date(2025, 3, 4, 5, 6, 7, 123456789, time.UTC)
	data, err := EncodeEvent(Event{Type: ForwardingChanged, Enabled: false, At: at})
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	want := timestamppb.New(at)
	if got := int64(s.GetFields()["at_seconds"].GetNumberValue()); got != want.GetSeconds() {
		t.Errorf("seconds mismatch: got %d, want %d", got, want.GetSeconds())
	}
	if got := int32(s.GetFields()["at_nanos"].GetNumberValue()); got != want.GetNanos() {
		t.Errorf("nanos mismatch: got %d, want %d", got, want.GetNanos())
	}

	ev, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if !ev.At.Equal(at) || ev.Enabled {
		t.Errorf("decoded mismatch: got %+v", ev)
	}
}

func TestDecodeEventRejectsInvalidTime(t *testing.T) {
	s, err := structpb.NewStruct(map[string]interface{}{
		"type":       string(ForwardingChanged),
		"enabled":    true,
		"at_seconds": float64(1700000000),
		"at_nanos":   float64(2e9),
	})
	if err != nil {
		t.Fatalf("NewStruct failed: %v", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if _, err := DecodeEvent(data); err == nil {
		t.Error("expected error for out-of-range nanos")
	}
}

func TestEncodeEventWithoutTime(t *testing.T) {
	data, err := EncodeEvent(Event{Type: AppForegrounded})
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	ev, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if ev.Type != AppForegrounded || !ev.At.IsZero() {
		t.Errorf("decoded mismatch: got %+v", ev)
	}
}
