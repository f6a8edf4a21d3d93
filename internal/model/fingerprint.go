package model

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// fingerprintMode encodes with Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys and shortest forms, so equal parameters always produce
// identical bytes regardless of map iteration order.
var fingerprintMode cbor.EncMode

func init() {
	var err error
	fingerprintMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("model: CBOR fingerprint encoder initialization failed: " + err.Error())
	}
}

// Fingerprint returns the hex-encoded BLAKE3 digest of the deterministic
// CBOR encoding of v. It identifies the input parameters that produced a
// cached result.
func Fingerprint(v any) (string, error) {
	data, err := fingerprintMode.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
