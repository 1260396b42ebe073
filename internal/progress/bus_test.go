package progress

import (
	"testing"
	"time"
)

func TestPublishMonotonicDropsLowerValues(t *testing.T) {
	b := NewBus()
	b.Publish("op-1", Update{Progress: 0.5})
	b.Publish("op-1", Update{Progress: 0.3})
	b.Publish("op-1", Update{Progress: 0.8})

	last, ok := b.Latest("op-1")
	if !ok {
		t.Fatal("expected a latest update")
	}
	if last.Progress != 0.8 {
		t.Fatalf("expected last published value to win, got %v", last.Progress)
	}
}

func TestSubscribeReceivesInPublishOrder(t *testing.T) {
	b := NewBus()
	ch, unsubscribe := b.Subscribe("op-1")
	defer unsubscribe()

	go func() {
		b.Publish("op-1", Update{Progress: 0.1})
		b.Publish("op-1", Update{Progress: 0.5})
		b.Publish("op-1", Update{Progress: 1.0})
	}()

	var seen []float64
	timeout := time.After(time.Second)
	for len(seen) < 3 {
		select {
		case u := <-ch:
			seen = append(seen, u.Progress)
		case <-timeout:
			t.Fatalf("timed out waiting for updates, got %v", seen)
		}
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("progress not monotonic: %v", seen)
		}
	}
	if seen[len(seen)-1] != 1.0 {
		t.Fatalf("expected the sequence to end at 1.0, got %v", seen)
	}
}

func TestLatestReportsFalseWhenUnknown(t *testing.T) {
	b := NewBus()
	if _, ok := b.Latest("missing"); ok {
		t.Fatal("expected no update for an unknown op id")
	}
}

func TestForgetClearsHistory(t *testing.T) {
	b := NewBus()
	b.Publish("op-1", Update{Progress: 1.0})
	b.Forget("op-1")
	if _, ok := b.Latest("op-1"); ok {
		t.Fatal("expected history to be cleared after Forget")
	}
}

func TestCancelTokenPoll(t *testing.T) {
	tok := NewCancelToken()
	poll := tok.Poll()
	if poll() {
		t.Fatal("expected a fresh token to report not-cancelled")
	}
	tok.Cancel()
	if !poll() {
		t.Fatal("expected Cancel to be observed by Poll")
	}
}
