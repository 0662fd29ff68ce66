package protocol

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw, err := Encode(MsgHandshake, Handshake{ChildID: "w1", ProtocolVersion: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != MsgHandshake {
		t.Fatalf("type = %q, want %q", env.Type, MsgHandshake)
	}
	if env.ID == "" {
		t.Fatal("expected non-empty id")
	}

	hs, err := DecodePayload[Handshake](env)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if hs.ChildID != "w1" || hs.ProtocolVersion != 1 {
		t.Fatalf("unexpected payload: %+v", hs)
	}
}

func TestDecodeMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"id":"x"}`)); err == nil {
		t.Fatal("expected error for envelope missing type")
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed json")
	}
}
