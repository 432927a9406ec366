package frame

import "testing"

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name    string
		tag     ServerTag
		payload string
	}{
		{"output", Output, "hello\n"},
		{"window title", SetWindowTitle, "bash (localhost)"},
		{"preferences", SetPreferences, `{"fontSize":14}`},
		{"reconnect", SetReconnect, "10"},
		{"empty payload", Output, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := Encode(tt.tag, []byte(tt.payload))
			if len(encoded) == 0 {
				t.Fatalf("Encode produced empty frame")
			}
			if encoded[0] != byte(tt.tag) {
				t.Fatalf("Encode tag = %q, want %q", encoded[0], byte(tt.tag))
			}
			if string(encoded[1:]) != tt.payload {
				t.Fatalf("Encode payload = %q, want %q", encoded[1:], tt.payload)
			}
		})
	}
}

func TestDecodeInput(t *testing.T) {
	msg := append([]byte{byte(Input)}, "ls -la\n"...)
	tag, payload, err := Decode(msg)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if tag != Input {
		t.Fatalf("tag = %q, want Input", tag)
	}
	if string(payload) != "ls -la\n" {
		t.Fatalf("payload = %q", payload)
	}
}

func TestDecodeJSONDataKeepsTagAsPayload(t *testing.T) {
	msg := []byte(`{"AuthToken":"s3cret"}`)
	tag, payload, err := Decode(msg)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if tag != JSONData {
		t.Fatalf("tag = %q, want JSONData", tag)
	}
	if string(payload) != string(msg) {
		t.Fatalf("payload = %q, want the whole message including the leading brace", payload)
	}
}

func TestDecodeEmptyIsError(t *testing.T) {
	if _, _, err := Decode(nil); err == nil {
		t.Fatalf("expected error decoding an empty frame")
	}
}

func TestDecodeResizePayloadRoundTrip(t *testing.T) {
	msg := append([]byte{byte(ResizeTerminal)}, `{"columns":132,"rows":40}`...)
	tag, payload, err := Decode(msg)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if tag != ResizeTerminal {
		t.Fatalf("tag = %q, want ResizeTerminal", tag)
	}
	if string(payload) != `{"columns":132,"rows":40}` {
		t.Fatalf("payload = %q", payload)
	}
}
