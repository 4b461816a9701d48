package jsoncodec

import (
	"bytes"
	"testing"
)

type sample struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Retries int    `json:"retries"`
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	in := sample{To: "user@example.com", Subject: "hello", Retries: 3}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := Encode(&buf, sample{To: "a"}); err != nil {
		t.Fatalf("encode: %v", err)
	}

	var out sample
	if err := Decode(&buf, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.To != "a" {
		t.Fatalf("got %+v", out)
	}
}

func TestUnmarshalInvalid(t *testing.T) {
	t.Parallel()

	var out sample
	if err := Unmarshal([]byte(`{"to":`), &out); err == nil {
		t.Fatal("expected error for truncated document")
	}
}
