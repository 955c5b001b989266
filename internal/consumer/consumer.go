// Package consumer holds the Consumer type: a tenant-facing port and the
// unit of authorization and byte accounting.
package consumer

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// authTokenHRP is the human-readable part every auth token is encoded with,
// matching original_source/operator/src/utils.rs's build_api_key.
const authTokenHRP = "dmtr_cnode"

// Key identifies a Consumer: the decoded payload of its auth token. It is
// comparable and safe to use as a map key.
type Key string

// Consumer is a tenant's port, per spec.md §3.
type Consumer struct {
	Namespace         string
	PortName          string
	TierName          string
	Key               Key
	Network           string
	Version           string
	ActiveConnections int64
}

// DecodeAuthToken decodes a human-readable checksummed auth token into the
// 16-byte Key used as identity in every registry map. It rejects tokens with
// the wrong human-readable part or a failed checksum, matching the "invalid
// tokens never match any consumer" rule in spec.md §6.
func DecodeAuthToken(token string) (Key, error) {
	hrp, data, encoding, err := bech32.DecodeGeneric(token)
	if err != nil {
		return "", fmt.Errorf("decoding auth token: %w", err)
	}
	if encoding != bech32.Bech32m {
		return "", fmt.Errorf("auth token is not bech32m encoded")
	}
	if hrp != authTokenHRP {
		return "", fmt.Errorf("unexpected auth token prefix %q", hrp)
	}
	payload, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("converting auth token payload: %w", err)
	}
	if len(payload) != 16 {
		return "", fmt.Errorf("auth token payload has %d bytes, want 16", len(payload))
	}
	return Key(payload), nil
}

// EncodeAuthToken re-encodes a 16-byte key back into its Bech32m string
// form. Used only by tests to check the round-trip law in spec.md §8.
func EncodeAuthToken(key Key) (string, error) {
	data, err := bech32.ConvertBits([]byte(key), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("converting auth token payload: %w", err)
	}
	return bech32.EncodeM(authTokenHRP, data)
}
