package events

import (
	"context"
	"testing"
)

func TestDecode(t *testing.T) {
	n, err := Decode(`{"trace_id":"t1","instance_id":"abcd1234","event":"ENV_RUN","data":{"walltime":1.0},"timestamp":"2026-01-02T03:04:05Z"}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n.InstanceID != "abcd1234" || n.Event != "ENV_RUN" || n.Data["walltime"] != 1.0 {
		t.Fatalf("unexpected notification: %+v", n)
	}

	if _, err := Decode("not json"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestNilPublisherIsNoop(t *testing.T) {
	var p *Publisher
	if err := p.PublishLifecycle(context.Background(), "abcd1234", "ENV_CREATED", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
