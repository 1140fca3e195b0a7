package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicSignalRaised)
	defer b.Unsubscribe(sub)

	b.Publish(TopicSignalRaised, SignalEvent{SignalID: "sig-1", WorkspaceID: "ws-1", Kind: "stalled"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicSignalRaised {
			t.Fatalf("expected topic %q, got %q", TopicSignalRaised, ev.Topic)
		}
		payload, ok := ev.Payload.(SignalEvent)
		if !ok {
			t.Fatalf("expected SignalEvent payload, got %T", ev.Payload)
		}
		if payload.SignalID != "sig-1" {
			t.Fatalf("expected signal sig-1, got %q", payload.SignalID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()
	jobSub := b.Subscribe("job.")
	allSub := b.Subscribe("")
	defer b.Unsubscribe(jobSub)
	defer b.Unsubscribe(allSub)

	b.Publish(TopicJobCompleted, JobEvent{JobID: "job-1"})
	b.Publish(TopicSignalRaised, SignalEvent{SignalID: "sig-1"})

	// Job subscriber sees only the job event.
	select {
	case ev := <-jobSub.Ch():
		if ev.Topic != TopicJobCompleted {
			t.Fatalf("expected %q, got %q", TopicJobCompleted, ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job event")
	}
	select {
	case ev := <-jobSub.Ch():
		t.Fatalf("unexpected second event on job subscriber: %q", ev.Topic)
	default:
	}

	// Wildcard subscriber sees both.
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d on wildcard subscriber", i)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, open := <-sub.Ch(); open {
		t.Fatal("expected channel closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}

	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestSlowConsumerDropsEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; publishes must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize+10; i++ {
			b.Publish(TopicWorkspaceEvent, WorkspaceEvent{WorkspaceID: "ws-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow consumer")
	}

	// Buffered events are still readable up to the buffer size.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			if count != defaultBufferSize {
				t.Fatalf("expected %d buffered events, got %d", defaultBufferSize, count)
			}
			return
		}
	}
}
