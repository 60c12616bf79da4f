// Package persistence implements the Brain's atomic, checksummed, versioned
// snapshot format and its backup chain, ported from the envelope algorithm
// in original_source/eclipse_scalper/brain/persistence.py.
package persistence

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Envelope is the outer on-disk structure: {checksum, payload_sha, blob}.
// checksum = sha256(blob) (the compressed bytes); payload_sha = sha256 of
// the raw, uncompressed payload, kept so a corrupt-but-checksum-valid file
// (e.g. truncated after compression but checksummed over garbage) can still
// be told apart from genuine payload corruption once decompressed.
type Envelope struct {
	Checksum  string `msgpack:"checksum"`
	PayloadSHA string `msgpack:"payload_sha"`
	Blob      []byte `msgpack:"blob"`
}

// packEnvelope msgpack-encodes payload, compresses the result with LZ4, and
// wraps it in a checksummed Envelope, itself msgpack-encoded for disk.
func packEnvelope(payload map[string]any) ([]byte, error) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("persistence: marshal payload: %w", err)
	}
	payloadSHA := sha256.Sum256(raw)

	var compressed bytes.Buffer
	w := lz4.NewWriter(&compressed)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("persistence: lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("persistence: lz4 close: %w", err)
	}
	blob := compressed.Bytes()
	checksum := sha256.Sum256(blob)

	env := Envelope{
		Checksum:   hex.EncodeToString(checksum[:]),
		PayloadSHA: hex.EncodeToString(payloadSHA[:]),
		Blob:       blob,
	}
	out, err := msgpack.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("persistence: marshal envelope: %w", err)
	}
	return out, nil
}

// unpackEnvelope reverses packEnvelope, verifying both checksums before
// returning the decoded payload.
func unpackEnvelope(data []byte) (map[string]any, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal envelope: %w", err)
	}
	sum := sha256.Sum256(env.Blob)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, fmt.Errorf("persistence: checksum mismatch")
	}

	r := lz4.NewReader(bytes.NewReader(env.Blob))
	var raw bytes.Buffer
	if _, err := raw.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("persistence: lz4 decompress: %w", err)
	}

	payloadSum := sha256.Sum256(raw.Bytes())
	if hex.EncodeToString(payloadSum[:]) != env.PayloadSHA {
		return nil, fmt.Errorf("persistence: payload checksum mismatch")
	}

	var payload map[string]any
	if err := msgpack.Unmarshal(raw.Bytes(), &payload); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal payload: %w", err)
	}
	return payload, nil
}
