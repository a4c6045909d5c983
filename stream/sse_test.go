package stream

import (
	"strings"
	"testing"
)

func TestSSEScannerParsesEvents(t *testing.T) {
	body := ":keepalive\n" +
		"data: {\"a\":1}\n\n" +
		"event: heartbeat\ndata: ping\n\n" +
		"data: line one\ndata: line two\n\n"
	scanner := newSSEScanner(strings.NewReader(body))

	if !scanner.Next() {
		t.Fatalf("expected first event")
	}
	if event := scanner.Event(); event.Type != "" || event.Data != `{"a":1}` {
		t.Fatalf("unexpected first event: %+v", event)
	}
	if !scanner.Next() {
		t.Fatalf("expected second event")
	}
	if event := scanner.Event(); event.Type != "heartbeat" || event.Data != "ping" {
		t.Fatalf("unexpected second event: %+v", event)
	}
	if !scanner.Next() {
		t.Fatalf("expected third event")
	}
	if event := scanner.Event(); event.Data != "line one\nline two" {
		t.Fatalf("multi-line data not joined: %q", event.Data)
	}
	if scanner.Next() {
		t.Fatalf("expected end of stream")
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("clean EOF should not report an error: %v", err)
	}
}

func TestSSEScannerEmitsFinalUnterminatedEvent(t *testing.T) {
	scanner := newSSEScanner(strings.NewReader("data: tail"))
	if !scanner.Next() {
		t.Fatalf("expected trailing event without blank line")
	}
	if event := scanner.Event(); event.Data != "tail" {
		t.Fatalf("unexpected trailing event: %+v", event)
	}
	if scanner.Next() {
		t.Fatalf("expected end of stream after trailing event")
	}
}

func TestSSEScannerSkipsCommentsAndBlankBlocks(t *testing.T) {
	scanner := newSSEScanner(strings.NewReader(":hi\n\n\ndata: x\n\n"))
	if !scanner.Next() {
		t.Fatalf("expected event after comments")
	}
	if event := scanner.Event(); event.Data != "x" {
		t.Fatalf("unexpected event: %+v", event)
	}
}
