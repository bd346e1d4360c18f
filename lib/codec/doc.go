// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Warden's standard CBOR encoding configuration.
//
// Warden uses three serialization formats with a clear boundary:
//
//   - CBOR for internal data: cluster message payloads (cluster
//     operations and fencing notifications) and the operation history
//     records persisted by the cib local store.
//   - XML for the remote executor wire protocol, whose line format is
//     fixed by the protocol contract (see package executor).
//   - YAML/JSONC only for operator-edited configuration files.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Types serialized here carry `cbor` struct tags exclusively. A type
// that also appears in CLI JSON output carries `json` tags instead
// (fxamacker/cbor reads them as fallback); never both on one field.
package codec
