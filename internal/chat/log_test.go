package chat

import (
	"testing"
	"time"
)

func TestAppendPreservesArrivalOrder(t *testing.T) {
	msgLog := NewLog()
	msgLog.Append(Message{ID: "m1", Content: "first", Sender: SenderUser})
	msgLog.Append(Message{ID: "m2", Content: "second", Sender: SenderAssistant})
	msgLog.Append(Message{ID: "m3", Content: "third", Sender: SenderUser})

	snap := msgLog.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot() = %d messages, want 3", len(snap))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if snap[i].ID != want {
			t.Errorf("snap[%d].ID = %q, want %q", i, snap[i].ID, want)
		}
	}
}

func TestAppendDelta(t *testing.T) {
	msgLog := NewLog()
	msgLog.Append(Message{ID: "m1", Streaming: true, Sender: SenderAssistant})

	if !msgLog.AppendDelta("m1", "Hi") {
		t.Fatal("AppendDelta on a streaming message should succeed")
	}
	if !msgLog.AppendDelta("m1", " there") {
		t.Fatal("second AppendDelta should succeed")
	}
	if msgLog.AppendDelta("missing", "x") {
		t.Fatal("AppendDelta on an absent message should report false")
	}

	snap := msgLog.Snapshot()
	if snap[0].Content != "Hi there" {
		t.Fatalf("Content = %q, want %q", snap[0].Content, "Hi there")
	}
}

// TestContentImmutableAfterFinish verifies the core invariant: once
// streaming flips to false the content can never change again.
func TestContentImmutableAfterFinish(t *testing.T) {
	msgLog := NewLog()
	msgLog.Append(Message{ID: "m1", Streaming: true, Sender: SenderAssistant})
	msgLog.AppendDelta("m1", "final")

	if !msgLog.FinishStream("m1", func(m *Metadata) { m.Citation = "doc.pdf#1" }) {
		t.Fatal("FinishStream should succeed on a streaming message")
	}
	if msgLog.FinishStream("m1", nil) {
		t.Fatal("FinishStream should report false the second time")
	}
	if msgLog.AppendDelta("m1", " more") {
		t.Fatal("AppendDelta after FinishStream must be refused")
	}

	snap := msgLog.Snapshot()
	if snap[0].Content != "final" {
		t.Fatalf("Content = %q, want %q", snap[0].Content, "final")
	}
	if snap[0].Streaming {
		t.Fatal("Streaming should be false after FinishStream")
	}
	if snap[0].Metadata.Citation != "doc.pdf#1" {
		t.Fatalf("Citation = %q, final metadata not merged", snap[0].Metadata.Citation)
	}
}

func TestReplaceAllCopiesInput(t *testing.T) {
	msgLog := NewLog()
	msgLog.Append(Message{ID: "old"})

	src := []Message{{ID: "h1"}, {ID: "h2"}}
	msgLog.ReplaceAll(src)
	src[0].ID = "mutated"

	snap := msgLog.Snapshot()
	if len(snap) != 2 || snap[0].ID != "h1" {
		t.Fatalf("ReplaceAll should copy its input, got %+v", snap)
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	msgLog := NewLog()
	msgLog.Append(Message{ID: "m1", Content: "x", Timestamp: time.Now()})

	snap := msgLog.Snapshot()
	snap[0].Content = "tampered"

	if got := msgLog.Snapshot()[0].Content; got != "x" {
		t.Fatalf("mutating a snapshot leaked into the log: %q", got)
	}
}

func TestLast(t *testing.T) {
	msgLog := NewLog()
	if _, ok := msgLog.Last(); ok {
		t.Fatal("Last() on an empty log should report false")
	}

	msgLog.Append(Message{ID: "m1"})
	msgLog.Append(Message{ID: "m2"})
	last, ok := msgLog.Last()
	if !ok || last.ID != "m2" {
		t.Fatalf("Last() = %+v, %v; want m2", last, ok)
	}
	if msgLog.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", msgLog.Len())
	}
}
