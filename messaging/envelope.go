// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/pierrec/lz4/v4"
)

// Class identifies the subsystem a message is addressed to.
type Class uint8

const (
	// ClassCluster is membership and low-level cluster traffic.
	ClassCluster Class = iota

	// ClassController is controller-to-controller traffic (join
	// protocol, shutdown requests).
	ClassController

	// ClassEngine carries transition-engine inputs (graphs, action
	// results relayed from other nodes).
	ClassEngine

	// ClassExecutor is executor-proxy traffic for resources hosted on
	// other nodes.
	ClassExecutor

	// ClassAttribute is attribute-store synchronization traffic.
	ClassAttribute

	// ClassFencing carries fencing requests and outcome broadcasts.
	ClassFencing
)

// Endpoint addresses a process on a node. A zero ID with an empty
// Name means "all nodes" for the host endpoint.
type Endpoint struct {
	// ID is the node's numeric bus id (0 if unknown or broadcast).
	ID uint32

	// Name is the node name.
	Name string

	// PID is the sending process id (sender endpoint only).
	PID uint32

	// Type distinguishes daemon roles sharing a bus id.
	Type uint8

	// Local marks the host endpoint as referring to the local node.
	// Set by Decode, never encoded.
	Local bool
}

// compressThreshold is the payload size in bytes above which the
// payload is lz4-compressed on the wire.
const compressThreshold = 128

// maxPayload bounds the declared uncompressed size a receiver will
// allocate. Group messaging payloads are small (graphs, notifications);
// anything larger indicates corruption.
const maxPayload = 64 << 20

// envelopeMagic begins every encoded envelope.
var envelopeMagic = [2]byte{'w', 'm'}

// ErrNotForUs is returned by Decode when the message is addressed to a
// specific node other than the local one. The caller discards the
// message without logging.
var ErrNotForUs = errors.New("messaging: message addressed to another node")

// Envelope is one cluster message. See the package comment for the
// wire form.
type Envelope struct {
	Sender  Endpoint
	Host    Endpoint
	Class   Class
	ID      uint64
	Payload []byte
}

// Encode renders the envelope to its wire form, compressing the
// payload when it exceeds the threshold.
func (e *Envelope) Encode() ([]byte, error) {
	if len(e.Payload) > maxPayload {
		return nil, fmt.Errorf("payload of %d bytes exceeds limit", len(e.Payload))
	}

	payload := e.Payload
	compressed := false
	if len(e.Payload) > compressThreshold {
		buffer := make([]byte, lz4.CompressBlockBound(len(e.Payload)))
		n, err := lz4.CompressBlock(e.Payload, buffer, nil)
		if err != nil {
			return nil, fmt.Errorf("compressing payload: %w", err)
		}
		// CompressBlock returns 0 for incompressible input; send such
		// payloads uncompressed.
		if n > 0 && n < len(e.Payload) {
			payload = buffer[:n]
			compressed = true
		}
	}

	var out bytes.Buffer
	out.Write(envelopeMagic[:])
	writeEndpoint(&out, e.Sender)
	writeEndpoint(&out, e.Host)
	out.WriteByte(byte(e.Class))
	writeUint64(&out, e.ID)
	writeUint32(&out, uint32(len(e.Payload)))
	if compressed {
		out.WriteByte(1)
		writeUint32(&out, uint32(len(payload)))
	} else {
		out.WriteByte(0)
		writeUint32(&out, 0)
	}
	out.Write(payload)
	return out.Bytes(), nil
}

// Decode parses a wire-form envelope. localID is the local node's bus
// id; addressed messages for other nodes return ErrNotForUs with a nil
// envelope.
func Decode(data []byte, localID uint32) (*Envelope, error) {
	r := &sliceReader{data: data}

	var magic [2]byte
	if err := r.read(magic[:]); err != nil || magic != envelopeMagic {
		return nil, fmt.Errorf("bad envelope magic")
	}

	var e Envelope
	var err error
	if e.Sender, err = readEndpoint(r); err != nil {
		return nil, fmt.Errorf("reading sender: %w", err)
	}
	if e.Host, err = readEndpoint(r); err != nil {
		return nil, fmt.Errorf("reading host: %w", err)
	}
	class, err := r.byte()
	if err != nil {
		return nil, err
	}
	e.Class = Class(class)
	if e.ID, err = r.uint64(); err != nil {
		return nil, err
	}
	size, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if size > maxPayload {
		return nil, fmt.Errorf("declared payload size %d exceeds limit", size)
	}
	compressedFlag, err := r.byte()
	if err != nil {
		return nil, err
	}
	compressedSize, err := r.uint32()
	if err != nil {
		return nil, err
	}

	if e.Host.ID != 0 && e.Host.ID != localID {
		return nil, ErrNotForUs
	}
	e.Host.Local = e.Host.ID != 0 && e.Host.ID == localID

	if compressedFlag == 0 {
		payload, err := r.take(int(size))
		if err != nil {
			return nil, fmt.Errorf("reading payload: %w", err)
		}
		// Copy out of the caller's buffer: a socket reader reuses it.
		e.Payload = append([]byte(nil), payload...)
		return &e, nil
	}

	wire, err := r.take(int(compressedSize))
	if err != nil {
		return nil, fmt.Errorf("reading compressed payload: %w", err)
	}
	payload := make([]byte, size)
	n, err := lz4.UncompressBlock(wire, payload)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if n != int(size) {
		return nil, fmt.Errorf("decompressed to %d bytes, header declared %d", n, size)
	}
	e.Payload = payload
	return &e, nil
}

func writeEndpoint(out *bytes.Buffer, ep Endpoint) {
	writeUint32(out, ep.ID)
	writeString(out, ep.Name)
	writeUint32(out, ep.PID)
	out.WriteByte(ep.Type)
}

func readEndpoint(r *sliceReader) (Endpoint, error) {
	var ep Endpoint
	var err error
	if ep.ID, err = r.uint32(); err != nil {
		return ep, err
	}
	if ep.Name, err = r.string(); err != nil {
		return ep, err
	}
	if ep.PID, err = r.uint32(); err != nil {
		return ep, err
	}
	typ, err := r.byte()
	if err != nil {
		return ep, err
	}
	ep.Type = typ
	return ep, nil
}

func writeUint32(out *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	out.Write(b[:])
}

func writeUint64(out *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	out.Write(b[:])
}

func writeString(out *bytes.Buffer, s string) {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(s)))
	out.Write(b[:])
	out.WriteString(s)
}

// sliceReader is a bounds-checked cursor over the wire bytes.
type sliceReader struct {
	data []byte
	off  int
}

func (r *sliceReader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.data) {
		return nil, fmt.Errorf("truncated envelope (want %d bytes at offset %d of %d)", n, r.off, len(r.data))
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *sliceReader) read(into []byte) error {
	got, err := r.take(len(into))
	if err != nil {
		return err
	}
	copy(into, got)
	return nil
}

func (r *sliceReader) byte() (byte, error) {
	got, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return got[0], nil
}

func (r *sliceReader) uint32() (uint32, error) {
	got, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(got), nil
}

func (r *sliceReader) uint64() (uint64, error) {
	got, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(got), nil
}

func (r *sliceReader) string() (string, error) {
	length, err := r.take(2)
	if err != nil {
		return "", err
	}
	raw, err := r.take(int(binary.BigEndian.Uint16(length)))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
