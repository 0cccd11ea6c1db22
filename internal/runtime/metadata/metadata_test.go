package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
)

func TestCloneIsIndependent(t *testing.T) {
	original := New("a", "1")
	cloned := original.Clone()
	cloned["a"] = "2"

	if original["a"] != "1" {
		t.Fatalf("expected original to stay unchanged, got %s", original["a"])
	}
}

func TestWithDoesNotMutateReceiver(t *testing.T) {
	base := New("a", "1")
	extended := base.With("b", "2")

	if _, ok := base["b"]; ok {
		t.Fatal("expected receiver to stay unchanged")
	}
	if extended["a"] != "1" || extended["b"] != "2" {
		t.Fatalf("unexpected result: %v", extended)
	}
}

func TestWithAllMergesEntries(t *testing.T) {
	merged := New("a", "1").WithAll(New("b", "2", "c", "3"))
	if len(merged) != 3 {
		t.Fatalf("expected three entries, got %v", merged)
	}
}

func TestGetOnNilMap(t *testing.T) {
	var md Metadata
	if md.Get("missing") != "" {
		t.Fatal("expected empty value from nil map")
	}
}

func TestNewIgnoresDanglingKey(t *testing.T) {
	md := New("a", "1", "dangling")
	if len(md) != 1 || md["a"] != "1" {
		t.Fatalf("unexpected metadata: %v", md)
	}
}

func TestWatermillRoundTrip(t *testing.T) {
	md := New(KeyCorrelationID, "abc", KeyReplyTo, "topic.reply")
	back := FromWatermill(ToWatermill(md))

	if back[KeyCorrelationID] != "abc" || back[KeyReplyTo] != "topic.reply" {
		t.Fatalf("round trip mismatch: %v", back)
	}
}

func TestFromWatermillEmpty(t *testing.T) {
	out := FromWatermill(message.Metadata{})
	if out == nil {
		t.Fatal("expected non-nil metadata")
	}
	if len(out) != 0 {
		t.Fatalf("expected empty metadata, got %v", out)
	}
}
