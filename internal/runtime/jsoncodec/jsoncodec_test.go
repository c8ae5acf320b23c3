package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type snapshotPayload struct {
	Listener string `json:"listener"`
	Events   int    `json:"events"`
}

func TestMarshalRoundTrip(t *testing.T) {
	in := snapshotPayload{Listener: "order-auditor", Events: 3}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out snapshotPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %#v", out)
	}
}

func TestMarshalIndent(t *testing.T) {
	data, err := MarshalIndent(snapshotPayload{Listener: "order-auditor"}, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(data), "\n  \"listener\"") {
		t.Fatalf("expected indented output, got %s", string(data))
	}
}

func TestStreamingEncodeDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := snapshotPayload{Listener: "notifier", Events: 7}

	if err := Encode(buf, payload); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded snapshotPayload
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != payload {
		t.Fatalf("stream round trip mismatch: %#v", decoded)
	}
}
