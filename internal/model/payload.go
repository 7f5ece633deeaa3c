package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ErrInvalidFrame is returned by Decode for input that is not a JSON object.
var ErrInvalidFrame = errors.New("frame is not a json object")

// Source identifies how a payload reached the client.
type Source string

const (
	SourcePush Source = "push" // inbound socket frame
	SourcePoll Source = "poll" // fallback fetch result
)

// Payload is a decoded inbound frame. Frames are decoded once and the same
// Payload value is handed to every matching subscription.
type Payload struct {
	ID             uuid.UUID
	Stream         string          // routable stream name, "" if absent
	RequestID      int64           // "id" member of command responses, 0 if absent
	Data           json.RawMessage // the full frame
	Err            *PayloadError   // non-nil when the frame carries "error"
	Source         Source
	SubscriptionID int64 // set for poll payloads only
	ReceivedAt     time.Time
}

// Get returns the value at a gjson path inside the frame.
func (p Payload) Get(path string) gjson.Result {
	return gjson.GetBytes(p.Data, path)
}

// Error returns the payload-level error, or nil. The explicit nil keeps a
// nil *PayloadError from turning into a non-nil error interface.
func (p Payload) Error() error {
	if p.Err == nil {
		return nil
	}
	return p.Err
}

// PayloadError is the "error" member of a frame.
type PayloadError struct {
	Code    int64
	Message string
	Raw     json.RawMessage
}

func (e *PayloadError) Error() string {
	switch {
	case e.Message != "" && e.Code != 0:
		return fmt.Sprintf("payload error %d: %s", e.Code, e.Message)
	case e.Message != "":
		return "payload error: " + e.Message
	default:
		return "payload error: " + string(e.Raw)
	}
}

// Decode parses a frame into a Payload in a single pass.
func Decode(data []byte, source Source, receivedAt time.Time) (Payload, error) {
	if !gjson.ValidBytes(data) {
		return Payload{}, ErrInvalidFrame
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Payload{}, ErrInvalidFrame
	}

	p := Payload{
		ID:         uuid.New(),
		Data:       json.RawMessage(data),
		Source:     source,
		ReceivedAt: receivedAt,
	}

	fields := root.Map()
	if v, ok := fields["stream"]; ok && v.Type == gjson.String {
		p.Stream = v.Str
	}
	if v, ok := fields["id"]; ok && v.Type == gjson.Number {
		p.RequestID = v.Int()
	}
	if v, ok := fields["error"]; ok {
		p.Err = parseError(v)
	}

	return p, nil
}

func parseError(v gjson.Result) *PayloadError {
	e := &PayloadError{Raw: json.RawMessage(v.Raw)}
	switch {
	case v.Type == gjson.String:
		e.Message = v.Str
	case v.IsObject():
		e.Code = v.Get("code").Int()
		e.Message = v.Get("msg").String()
		if e.Message == "" {
			e.Message = v.Get("message").String()
		}
	}
	return e
}
