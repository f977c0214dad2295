package memory

import (
	"context"
	"testing"
)

type keyedPayload struct {
	JobID string `json:"jobId"`
}

func (k keyedPayload) OrderingKey() string { return k.JobID }

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "topic-a", keyedPayload{JobID: "job-1"})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "topic-b", "payload")
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	if n := len(pub.Messages("")); n != 2 {
		t.Fatalf("expected 2 messages, got %d", n)
	}
	msgs := pub.Messages("topic-a")
	if len(msgs) != 1 || msgs[0].OrderingKey != "job-1" {
		t.Fatalf("topic-a messages = %+v", msgs)
	}
	var got keyedPayload
	if err := msgs[0].Decode(&got); err != nil || got.JobID != "job-1" {
		t.Fatalf("Decode() = %+v, %v", got, err)
	}
	if key := pub.Messages("topic-b")[0].OrderingKey; key != "" {
		t.Fatalf("unkeyed payload got ordering key %q", key)
	}

	msgs[0].Topic = "modified"
	if pub.Messages("topic-a")[0].Topic == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	pub := New()
	if _, err := pub.Publish(context.Background(), "t", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
	if n := len(pub.Messages("")); n != 0 {
		t.Fatalf("failed publish was recorded: %d", n)
	}
}
