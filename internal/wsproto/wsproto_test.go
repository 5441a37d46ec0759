package wsproto

import (
	"encoding/json"
	"testing"
)

func TestDecodeConnectToHost(t *testing.T) {
	raw := []byte(`{"type":"connectToHost","hostId":"h1","host":"10.0.0.1","port":22,"username":"root","authType":"password","password":"p"}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != TypeConnectToHost {
		t.Fatalf("type = %q", msg.Type)
	}
	if msg.ConnectToHost == nil || msg.ConnectToHost.Host != "10.0.0.1" || msg.ConnectToHost.Port != 22 {
		t.Fatalf("payload = %+v", msg.ConnectToHost)
	}
}

func TestDecodeMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"data":"x"}`)); err == nil {
		t.Fatal("want error for missing type")
	}
}

func TestDecodeUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"bogus"}`)); err == nil {
		t.Fatal("want error for unknown type")
	}
}

func TestDecodeNoPayloadMessages(t *testing.T) {
	for _, typ := range []string{TypeDisconnect, TypePing, TypeOPKBrowserOpened, TypeOPKAuthCompleted} {
		msg, err := Decode([]byte(`{"type":"` + typ + `"}`))
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if msg.Type != typ {
			t.Fatalf("%s: got %q", typ, msg.Type)
		}
	}
}

func TestDecodeResize(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"resize","cols":80,"rows":24}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Resize.Cols != 80 || msg.Resize.Rows != 24 {
		t.Fatalf("resize = %+v", msg.Resize)
	}
}

func TestOutboundFramesCarryTypeTag(t *testing.T) {
	cases := map[string][]byte{
		TypeConnected:       Connected(),
		TypeDisconnected:    Disconnected(),
		TypeData:            Data("hi"),
		TypeResized:         Resized(80, 24),
		TypeError:           Error("boom", "DIAL_FAILED"),
		TypeHostKeyMismatch: HostKeyMismatch(),
		TypePong:            Pong(),
	}
	for wantType, frame := range cases {
		var env envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("%s: %v", wantType, err)
		}
		if env.Type != wantType {
			t.Fatalf("want type %q, got %q", wantType, env.Type)
		}
	}
}

func TestConnectionLogFields(t *testing.T) {
	frame := ConnectionLog("tcp", "info", "dialing", nil)
	if len(frame) == 0 {
		t.Fatal("empty frame")
	}
	var got struct{ Type, Stage, Level, Message string }
	if err := json.Unmarshal(frame, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeConnectionLog || got.Stage != "tcp" || got.Level != "info" || got.Message != "dialing" {
		t.Fatalf("unexpected fields: %+v", got)
	}
}
