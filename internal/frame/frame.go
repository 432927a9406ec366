// Package frame implements the one-byte-tagged binary protocol
// exchanged between the browser and the session engine. Every
// application message is a command tag byte followed by a payload;
// all frames travel as binary WebSocket frames.
package frame

import "fmt"

// ClientTag identifies a client->server command.
type ClientTag byte

// ServerTag identifies a server->client command.
type ServerTag byte

// Client->server tags.
const (
	Input          ClientTag = '0' // raw bytes for PTY stdin
	ResizeTerminal ClientTag = '1' // JSON {"columns":N,"rows":N}
	JSONData       ClientTag = '{' // JSON payload, may carry AuthToken; tag doubles as the payload's opening brace
)

// Server->client tags.
const (
	Output         ServerTag = '0' // raw PTY stdout bytes
	SetWindowTitle ServerTag = '1' // UTF-8 title string
	SetPreferences ServerTag = '2' // verbatim prefs JSON
	SetReconnect   ServerTag = '3' // decimal reconnect seconds
)

// ResizePayload is the JSON body of a RESIZE_TERMINAL message.
type ResizePayload struct {
	Columns int `json:"columns"`
	Rows    int `json:"rows"`
}

// AuthPayload is the JSON body of a JSON_DATA message; only AuthToken
// is interpreted by the session engine, other fields are ignored.
type AuthPayload struct {
	AuthToken string `json:"AuthToken"`
}

// Encode prepends tag to payload, producing a complete outbound frame.
func Encode(tag ServerTag, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(tag))
	out = append(out, payload...)
	return out
}

// Decode splits a raw inbound message into its command tag and payload.
// An empty message is an error: every frame needs at least a tag byte.
func Decode(msg []byte) (ClientTag, []byte, error) {
	if len(msg) == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	tag := ClientTag(msg[0])
	if tag == JSONData {
		// '{' is itself the first byte of the JSON document; the whole
		// message (tag included) is the payload.
		return tag, msg, nil
	}
	return tag, msg[1:], nil
}
