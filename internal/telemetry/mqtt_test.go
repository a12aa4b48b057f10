package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/swag-agent/internal/config"
)

type fakePublisher struct {
	published []*paho.Publish
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.published = append(f.published, p)
	return &paho.PublishResponse{}, f.err
}

func TestMQTTSink_Record(t *testing.T) {
	fake := &fakePublisher{}
	m := NewMQTTSink(config.MQTTConfig{TopicPrefix: "swag/telemetry"}, nil)
	m.pub = fake

	rec := Record{TraceID: "t", SpanID: "s", Kind: KindToolCall, Name: "lookup", Outcome: "succeeded"}
	if err := m.Record(t.Context(), rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(fake.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(fake.published))
	}
	p := fake.published[0]
	if p.Topic != "swag/telemetry/tool_call" {
		t.Errorf("topic = %q", p.Topic)
	}
	if p.QoS != 0 || p.Retain {
		t.Errorf("QoS/Retain = %d/%v, want 0/false", p.QoS, p.Retain)
	}
	var got Record
	if err := json.Unmarshal(p.Payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.Name != "lookup" || got.TraceID != "t" {
		t.Errorf("payload = %+v", got)
	}
}

func TestMQTTSink_NotStarted(t *testing.T) {
	m := NewMQTTSink(config.MQTTConfig{TopicPrefix: "x"}, nil)
	if err := m.Record(t.Context(), Record{Kind: KindQuery}); err == nil {
		t.Error("Record before Start should fail")
	}
	if err := m.AwaitConnection(t.Context()); err == nil {
		t.Error("AwaitConnection before Start should fail")
	}
	if err := m.Stop(t.Context()); err != nil {
		t.Errorf("Stop before Start = %v, want nil", err)
	}
}

func TestMQTTSink_PublishError(t *testing.T) {
	m := NewMQTTSink(config.MQTTConfig{TopicPrefix: "x"}, nil)
	m.pub = &fakePublisher{err: errors.New("broker gone")}
	if err := m.Record(t.Context(), Record{Kind: KindQuery}); err == nil {
		t.Error("expected publish error")
	}
}
