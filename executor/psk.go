// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"bufio"
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/warden-foundation/warden/lib/clock"
)

// pskCacheAge is how long a loaded key stays cached in memory before
// the file is consulted again.
const pskCacheAge = 60 * time.Second

// maxSecureFrame bounds a single encrypted record. Remote executor
// messages are single protocol lines; anything larger is corruption
// or an attack.
const maxSecureFrame = 4 << 20

// handshakeNonceSize is the size of each side's random handshake
// contribution.
const handshakeNonceSize = 32

// confirmation is the first plaintext each side seals after key
// derivation. Successfully opening the peer's confirmation proves it
// holds the same PSK — that is the mutual authentication.
const confirmation = "warden-executor-psk-ok"

// KeyLoader reads the pre-shared key from the configured path,
// falling back to the secondary path, and caches the key in memory
// for pskCacheAge.
type KeyLoader struct {
	clock    clock.Clock
	primary  string
	fallback string

	cached   []byte
	loadedAt time.Time
}

// NewKeyLoader returns a loader for the given paths. fallback may be
// empty.
func NewKeyLoader(clk clock.Clock, primary, fallback string) *KeyLoader {
	return &KeyLoader{clock: clk, primary: primary, fallback: fallback}
}

// Load returns the PSK, consulting the file system at most once per
// cache window. Whitespace around the key material is ignored.
func (k *KeyLoader) Load() ([]byte, error) {
	if k.cached != nil && k.clock.Now().Sub(k.loadedAt) < pskCacheAge {
		return k.cached, nil
	}

	paths := []string{k.primary}
	if k.fallback != "" {
		paths = append(paths, k.fallback)
	}
	var firstErr error
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("reading key file %s: %w", path, err)
			}
			continue
		}
		key := []byte(strings.TrimSpace(string(raw)))
		if len(key) == 0 {
			if firstErr == nil {
				firstErr = fmt.Errorf("key file %s is empty", path)
			}
			continue
		}
		k.cached = key
		k.loadedAt = k.clock.Now()
		return key, nil
	}
	return nil, firstErr
}

// secureConn frames an underlying stream into length-prefixed
// ChaCha20-Poly1305 records with per-direction keys derived from the
// PSK and both handshake nonces.
type secureConn struct {
	conn   net.Conn
	reader *bufio.Reader

	seal cipher.AEAD
	open cipher.AEAD

	sendSeq uint64
	recvSeq uint64
}

// clientSecure runs the handshake from the connecting side.
func clientSecure(conn net.Conn, psk []byte) (*secureConn, error) {
	return secureHandshake(conn, psk, true)
}

// serverSecure runs the handshake from the accepting side.
func serverSecure(conn net.Conn, psk []byte) (*secureConn, error) {
	return secureHandshake(conn, psk, false)
}

func secureHandshake(conn net.Conn, psk []byte, isClient bool) (*secureConn, error) {
	ownNonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(ownNonce); err != nil {
		return nil, fmt.Errorf("generating handshake nonce: %w", err)
	}

	// Write concurrently with the read: on synchronous transports
	// (net.Pipe in tests) both sides send their nonce first and a
	// sequential write would deadlock.
	nonceWritten := make(chan error, 1)
	go func() {
		_, err := conn.Write(ownNonce)
		nonceWritten <- err
	}()
	reader := bufio.NewReader(conn)
	peerNonce := make([]byte, handshakeNonceSize)
	if _, err := io.ReadFull(reader, peerNonce); err != nil {
		return nil, fmt.Errorf("reading peer handshake nonce: %w", err)
	}
	if err := <-nonceWritten; err != nil {
		return nil, fmt.Errorf("sending handshake nonce: %w", err)
	}

	// Key derivation is symmetric: both sides order the nonces
	// client-first, so both derive the same two directional keys.
	clientNonce, serverNonce := ownNonce, peerNonce
	if !isClient {
		clientNonce, serverNonce = peerNonce, ownNonce
	}
	salt := append(append([]byte{}, clientNonce...), serverNonce...)

	clientKey, err := deriveKey(psk, salt, "warden executor v1 client")
	if err != nil {
		return nil, err
	}
	serverKey, err := deriveKey(psk, salt, "warden executor v1 server")
	if err != nil {
		return nil, err
	}

	sc := &secureConn{conn: conn, reader: reader}
	if isClient {
		sc.seal, sc.open = clientKey, serverKey
	} else {
		sc.seal, sc.open = serverKey, clientKey
	}

	// Mutual proof of key possession: seal a fixed confirmation in
	// each direction. A peer with a different PSK cannot produce a
	// record the other side can open. Written concurrently with the
	// read for the same synchronous-transport reason as the nonce.
	confirmationWritten := make(chan error, 1)
	go func() {
		confirmationWritten <- sc.writeRecord([]byte(confirmation))
	}()
	got, err := sc.readRecord()
	if err != nil {
		return nil, fmt.Errorf("peer failed key confirmation (key mismatch?): %w", err)
	}
	if err := <-confirmationWritten; err != nil {
		return nil, fmt.Errorf("sending key confirmation: %w", err)
	}
	if !bytes.Equal(got, []byte(confirmation)) {
		return nil, fmt.Errorf("peer sent wrong key confirmation")
	}
	return sc, nil
}

func deriveKey(psk, salt []byte, info string) (cipher.AEAD, error) {
	material := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, psk, salt, []byte(info)), material); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", info, err)
	}
	aead, err := chacha20poly1305.New(material)
	if err != nil {
		return nil, fmt.Errorf("initializing AEAD: %w", err)
	}
	return aead, nil
}

// writeRecord seals and sends one record. The nonce is the send
// sequence number, so records cannot be replayed or reordered; the
// length travels in the clear and a tampered length fails the AEAD
// open on the receiver.
func (sc *secureConn) writeRecord(plaintext []byte) error {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], sc.sendSeq)
	sc.sendSeq++

	ciphertext := sc.seal.Seal(nil, nonce[:], plaintext, nil)
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(ciphertext)))
	if _, err := sc.conn.Write(append(header[:], ciphertext...)); err != nil {
		return fmt.Errorf("writing secure record: %w", err)
	}
	return nil
}

// readRecord receives and opens one record.
func (sc *secureConn) readRecord() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(sc.reader, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > maxSecureFrame {
		return nil, fmt.Errorf("secure record of %d bytes out of range", length)
	}
	ciphertext := make([]byte, length)
	if _, err := io.ReadFull(sc.reader, ciphertext); err != nil {
		return nil, err
	}

	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], sc.recvSeq)
	sc.recvSeq++

	plaintext, err := sc.open.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening secure record %d: %w", sc.recvSeq-1, err)
	}
	return plaintext, nil
}

// Close closes the underlying connection.
func (sc *secureConn) Close() error { return sc.conn.Close() }
