// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest computes stable digests of resource instance
// parameters. The controller records a parameter digest with every
// start; comparing the recorded digest against the digest of the
// currently configured parameters is how the policy layer detects that
// a resource definition changed underneath a running resource and must
// be restarted (or stopped with the old parameters, see package
// executor).
package digest

import (
	"encoding/hex"
	"sort"

	"github.com/zeebo/blake3"
)

// paramsDomainKey separates parameter digests from any other BLAKE3
// use in the codebase. Fixed constant — changing it invalidates every
// recorded digest cluster-wide. ASCII, zero-padded to 32 bytes, so the
// key is readable in hex dumps.
var paramsDomainKey = [32]byte{
	'w', 'a', 'r', 'd', 'e', 'n', '.', 'p', 'a', 'r', 'a', 'm', 's', '.',
	'i', 'n', 's', 't', 'a', 'n', 'c', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Params returns the hex-encoded BLAKE3 digest of an instance
// parameter map. The map is serialized as sorted key=value records
// with NUL terminators, so logically equal maps always digest
// identically and neither keys nor values can smuggle a record
// boundary.
//
// Meta attributes must be stripped by the caller first: only
// instance-scoped parameters participate in change detection.
func Params(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	hasher, err := blake3.NewKeyed(paramsDomainKey[:])
	if err != nil {
		// NewKeyed only fails on a key length other than 32.
		panic("digest: keyed hasher initialization failed: " + err.Error())
	}
	for _, key := range keys {
		hasher.Write([]byte(key))
		hasher.Write([]byte{0})
		hasher.Write([]byte(params[key]))
		hasher.Write([]byte{0})
	}
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:32])
}
