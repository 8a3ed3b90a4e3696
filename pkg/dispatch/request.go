package dispatch

import (
	"encoding/json"
	"unicode/utf8"
)

// Request is one decoded JSON request. It lives for the duration of a
// single dispatch call.
type Request struct {
	Type   string
	Fields map[string]any
}

func (r *Request) Field(name string) (any, bool) {
	value, has := r.Fields[name]
	return value, has
}

func (r *Request) StringField(name string) (string, bool) {
	value, has := r.Fields[name].(string)
	return value, has
}

// decodeFrame turns raw frame bytes into a Request, or reports why the
// frame is not dispatchable. Undecodable bytes, invalid JSON, non-object
// payloads and a missing or non-string "type" field are all tolerated:
// the frame is dropped and the connection continues.
func decodeFrame(frame []byte) (*Request, Outcome) {
	if !utf8.Valid(frame) {
		return nil, OutcomeDroppedEncoding
	}

	var fields map[string]any
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, OutcomeDroppedMalformed
	}

	typeName, has := fields["type"].(string)
	if !has {
		return nil, OutcomeDroppedNoType
	}

	return &Request{Type: typeName, Fields: fields}, OutcomeHandled
}
