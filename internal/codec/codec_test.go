package codec

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

type ping struct {
	Seq  int    `json:"seq" cbor:"seq"`
	Note string `json:"note" cbor:"note"`
}

func TestJSONCodec(t *testing.T) {
	c := JSON()
	b, err := c.Marshal(ping{Seq: 7, Note: "a&b"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out ping
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Seq != 7 || out.Note != "a&b" {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
	if !Textual(c) {
		t.Fatalf("json should be textual")
	}
}

func TestCBORCodec(t *testing.T) {
	c, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	b, err := c.Marshal(ping{Seq: 42, Note: "x"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out ping
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Seq != 42 || out.Note != "x" {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
	if Textual(c) {
		t.Fatalf("cbor should not be textual")
	}
}

func TestProtoCodec(t *testing.T) {
	c := Proto()
	s, err := structpb.NewStruct(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	b, err := c.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out structpb.Struct
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Fields["k"].GetStringValue() != "v" {
		t.Fatalf("roundtrip mismatch")
	}
	if _, err := c.Marshal(ping{}); err == nil {
		t.Fatalf("expected error for non-proto value")
	}
}

func TestRegistryLookup(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("default registry: %v", err)
	}
	for _, name := range []string{"json", "CBOR", " proto "} {
		if _, err := r.Lookup(name); err != nil {
			t.Fatalf("lookup %q: %v", name, err)
		}
	}
	if c, _ := r.Lookup("cbor"); c.ContentType() != "application/cbor" {
		t.Fatalf("cbor lookup returned %s", c.ContentType())
	}
	if _, err := r.Lookup("xml"); !errors.Is(err, ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
}
