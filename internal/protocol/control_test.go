package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeKnownTypes(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("decode ping: %v", err)
	}
	if msg.Type != TypePing || !msg.Known() {
		t.Fatalf("unexpected message: %+v", msg)
	}

	msg, err = Decode([]byte(`{"type":"configure","config":{"llm":{"temperature":0.3}}}`))
	if err != nil {
		t.Fatalf("decode configure: %v", err)
	}
	var cfg map[string]map[string]float64
	if err := json.Unmarshal(msg.Config, &cfg); err != nil {
		t.Fatalf("config payload not preserved: %v", err)
	}
	if cfg["llm"]["temperature"] != 0.3 {
		t.Fatalf("unexpected config payload: %s", msg.Config)
	}

	msg, err = Decode([]byte(`{"type":"meta","data":{"speaker":"alice","n":2}}`))
	if err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	if msg.Data["speaker"] != "alice" {
		t.Fatalf("unexpected meta data: %v", msg.Data)
	}
}

func TestDecodeDefaultsMissingPayloads(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"configure"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(msg.Config) != "{}" {
		t.Fatalf("expected empty config object, got %s", msg.Config)
	}
	msg, err = Decode([]byte(`{"type":"meta"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Data == nil || len(msg.Data) != 0 {
		t.Fatalf("expected empty data map, got %v", msg.Data)
	}
}

func TestDecodeUnknownTypeIsNotAnError(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"dance","moves":3}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Known() {
		t.Fatal("expected unknown type")
	}
	msg, err = Decode([]byte(`{"hello":"world"}`))
	if err != nil {
		t.Fatalf("missing type should decode: %v", err)
	}
	if msg.Type != "" || msg.Known() {
		t.Fatalf("expected empty unknown type, got %q", msg.Type)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []string{
		``,
		`not json`,
		`[1,2,3]`,
		`{"type":`,
		`{"type":42}`,
		`{"type":"configure","config":"oops"}`,
		`{"type":"configure","config":[1]}`,
		`{"type":"meta","data":7}`,
		`{"type":"error","message":{}}`,
	}
	for _, raw := range cases {
		_, err := Decode([]byte(raw))
		var derr *DecodeError
		if !errors.As(err, &derr) {
			t.Fatalf("%q: expected DecodeError, got %v", raw, err)
		}
	}
}

func TestEncodeReplies(t *testing.T) {
	data, err := Encode(Pong(12.5))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := Decode(data)
	if err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if back.Type != TypePong || back.Timestamp == nil || *back.Timestamp != 12.5 {
		t.Fatalf("unexpected pong: %s", data)
	}

	data, err = Encode(ErrorMessage("boom"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != `{"type":"error","message":"boom"}` {
		t.Fatalf("unexpected error encoding: %s", data)
	}

	if _, err := Encode(ControlMessage{}); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestSubjectMapping(t *testing.T) {
	if Subject(EventTranscript) != SubjectTranscriptFinal {
		t.Fatal("transcripts go to stt.text.final")
	}
	if Subject(EventSessionConnected) != SubjectSessionLifecycle || Subject(EventSessionDisconnected) != SubjectSessionLifecycle {
		t.Fatal("lifecycle events share one subject")
	}
}
