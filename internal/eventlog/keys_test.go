package eventlog

import (
	"bytes"
	"testing"
)

func TestKeyOrderingEntries(t *testing.T) {
	a := KeyLogEntry("orders", 1, 10)
	b := KeyLogEntry("orders", 1, 11)
	if !bytes.HasPrefix(a, KeyLogPrefix("orders")) || !bytes.HasPrefix(KeyLogMeta("orders", 1), KeyLogPrefix("orders")) {
		t.Fatalf("entry and meta keys should live under the log prefix")
	}
	if bytes.Compare(a, b) >= 0 {
		t.Fatalf("expected seq 10 < seq 11")
	}
	if bytes.HasPrefix(KeyLogEntry("orders-eu", 1, 1), KeyLogPrefix("orders")) {
		t.Fatalf("log prefix must not match a sibling log")
	}
}

func TestCursorKeyRoundTrip(t *testing.T) {
	k := KeyCursor("orders", "ns-g", 7)
	if !bytes.HasPrefix(k, []byte("log/orders/c/ns-g/")) {
		t.Fatalf("unexpected cursor layout: %q", string(k))
	}
	g, ok := GroupFromCursorKey("orders", k)
	if !ok || g != "ns-g" {
		t.Fatalf("group extraction failed: %q %v", g, ok)
	}
}
