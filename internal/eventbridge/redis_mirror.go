package eventbridge

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// publisher is the slice of *redis.Client the mirror uses.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisMirror republishes ForwardingChanged events on a redis channel so
// other processes (a web dashboard, the call backend) can follow the
// device's forwarding state.
type RedisMirror struct {
	client  publisher
	channel string
	timeout time.Duration
	unsub   func()
}

// NewRedisMirror subscribes to b and starts mirroring.
func NewRedisMirror(b *Bridge, client publisher, channel string) (*RedisMirror, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if channel == "" {
		return nil, fmt.Errorf("redis channel is required")
	}
	m := &RedisMirror{client: client, channel: channel, timeout: 2 * time.Second}
	m.unsub = b.Subscribe(m.handle)
	return m, nil
}

func (m *RedisMirror) handle(ev Event) {
	if ev.Type != ForwardingChanged {
		return
	}
	data, err := EncodeEvent(ev)
	if err != nil {
		log.Printf("[Bridge] Failed to encode %s: %v", ev.Type, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.client.Publish(ctx, m.channel, data).Err(); err != nil {
		log.Printf("[Bridge] Redis publish to %s failed: %v", m.channel, err)
	}
}

func (m *RedisMirror) Close() {
	if m == nil || m.unsub == nil {
		return
	}
	m.unsub()
}

// EncodeEvent serializes ev as a protobuf Struct {type, enabled, at_seconds,
// at_nanos}; the time fields are the components of a timestamppb.Timestamp.
func EncodeEvent(ev Event) ([]byte, error) {
	fields := map[string]interface{}{
		"type":    string(ev.Type),
		"enabled": ev.Enabled,
	}
	if !ev.At.IsZero() {
		at := timestamppb.New(ev.At)
		if err := at.CheckValid(); err != nil {
			return nil, fmt.Errorf("event time: %w", err)
		}
		fields["at_seconds"] = float64(at.GetSeconds())
		fields["at_nanos"] = float64(at.GetNanos())
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// DecodeEvent reverses EncodeEvent.
func DecodeEvent(data []byte) (Event, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	fields := s.GetFields()
	ev := Event{
		Type:    EventType(fields["type"].GetStringValue()),
		Enabled: fields["enabled"].GetBoolValue(),
	}
	if _, ok := fields["at_seconds"]; ok {
		at := &timestamppb.Timestamp{
			Seconds: int64(fields["at_seconds"].GetNumberValue()),
			Nanos:   int32(fields["at_nanos"].GetNumberValue()),
		}
		if err := at.CheckValid(); err != nil {
			return Event{}, fmt.Errorf("event time: %w", err)
		}
		ev.At = at.AsTime()
	}
	return ev, nil
}
