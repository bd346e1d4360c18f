// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"encoding/xml"
	"fmt"
)

// ProtocolVersion is the remote executor protocol version offered in
// the hello exchange. Mismatched versions are a hard error: the
// connection is reported failed and closed.
const ProtocolVersion = 1

// Frame types.
const (
	frameRequest = "request"
	frameReply   = "reply"
	frameNotify  = "notify"
)

// frame is one line of the remote executor protocol: an id, a type,
// and an XML payload. Every frame is rendered on a single line; all
// free-form text travels in attributes, which XML-escapes embedded
// newlines.
type frame struct {
	XMLName xml.Name `xml:"message"`
	ID      uint64   `xml:"id,attr"`
	Type    string   `xml:"type,attr"`

	Command *wireCommand `xml:"command"`
	Reply   *wireReply   `xml:"reply"`
	Result  *wireResult  `xml:"result"`
}

// wireParam is one key/value parameter.
type wireParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// wireCommand is a request payload. Op selects the operation; the
// remaining fields are op-specific. Token carries the registration
// token on every request after the hello.
type wireCommand struct {
	Op    string `xml:"op,attr"`
	Token string `xml:"token,attr,omitempty"`

	// Hello fields.
	Client  string `xml:"client,attr,omitempty"`
	Version int    `xml:"version,attr,omitempty"`

	// Resource identification.
	Resource string `xml:"resource,attr,omitempty"`
	Class    string `xml:"class,attr,omitempty"`
	Provider string `xml:"provider,attr,omitempty"`
	AgentTyp string `xml:"agent,attr,omitempty"`

	// Operation fields.
	Task          string `xml:"task,attr,omitempty"`
	IntervalMS    uint32 `xml:"interval,attr,omitempty"`
	TimeoutMS     int64  `xml:"timeout,attr,omitempty"`
	TargetRC      int    `xml:"target-rc,attr,omitempty"`
	TransitionKey string `xml:"transition-key,attr,omitempty"`

	Params []wireParam `xml:"param"`
}

// wireReply is a reply payload, correlated to its request by frame id.
type wireReply struct {
	Op    string `xml:"op,attr"`
	Token string `xml:"token,attr,omitempty"`

	RC      int    `xml:"rc,attr"`
	Error   string `xml:"error,attr,omitempty"`
	CallID  int    `xml:"call-id,attr,omitempty"`
	Version int    `xml:"version,attr,omitempty"`

	// Items carries list results (standards, providers, agents,
	// recurring operation keys). Metadata carries agent metadata.
	Items    []wireParam `xml:"item"`
	Metadata string      `xml:"metadata,attr,omitempty"`
}

// wireResult is a notify payload: one completed operation.
type wireResult struct {
	Resource      string `xml:"resource,attr"`
	Task          string `xml:"task,attr"`
	IntervalMS    uint32 `xml:"interval,attr,omitempty"`
	CallID        int    `xml:"call-id,attr"`
	RC            int    `xml:"rc,attr"`
	Status        int    `xml:"status,attr"`
	TargetRC      int    `xml:"target-rc,attr,omitempty"`
	TransitionKey string `xml:"transition-key,attr,omitempty"`
	Cancelled     bool   `xml:"cancelled,attr,omitempty"`
	Deleted       bool   `xml:"deleted,attr,omitempty"`

	Params []wireParam `xml:"param"`
}

// encodeFrame renders a frame as one newline-terminated line.
func encodeFrame(f *frame) ([]byte, error) {
	data, err := xml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame %d: %w", f.Type, f.ID, err)
	}
	return append(data, '\n'), nil
}

// decodeFrame parses one line (without its terminator).
func decodeFrame(line []byte) (*frame, error) {
	var f frame
	if err := xml.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	switch f.Type {
	case frameRequest, frameReply, frameNotify:
	default:
		return nil, fmt.Errorf("frame %d has unknown type %q", f.ID, f.Type)
	}
	return &f, nil
}

// paramsToWire converts a parameter map to its wire form.
func paramsToWire(params map[string]string) []wireParam {
	out := make([]wireParam, 0, len(params))
	for name, value := range params {
		out = append(out, wireParam{Name: name, Value: value})
	}
	return out
}

// paramsFromWire converts wire parameters back to a map.
func paramsFromWire(params []wireParam) map[string]string {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]string, len(params))
	for _, p := range params {
		out[p.Name] = p.Value
	}
	return out
}

// eventFromWire builds the Event a notify frame describes.
func eventFromWire(result *wireResult) Event {
	return Event{
		Resource:      result.Resource,
		Task:          result.Task,
		IntervalMS:    result.IntervalMS,
		CallID:        result.CallID,
		RC:            result.RC,
		Status:        OpStatus(result.Status),
		TargetRC:      result.TargetRC,
		TransitionKey: result.TransitionKey,
		Cancelled:     result.Cancelled,
		Deleted:       result.Deleted,
		Params:        paramsFromWire(result.Params),
	}
}

// eventToWire renders an Event for a notify frame.
func eventToWire(event *Event) *wireResult {
	return &wireResult{
		Resource:      event.Resource,
		Task:          event.Task,
		IntervalMS:    event.IntervalMS,
		CallID:        event.CallID,
		RC:            event.RC,
		Status:        int(event.Status),
		TargetRC:      event.TargetRC,
		TransitionKey: event.TransitionKey,
		Cancelled:     event.Cancelled,
		Deleted:       event.Deleted,
		Params:        paramsToWire(event.Params),
	}
}
