package indexer

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
)

// cidBase32 is the multibase base32 alphabet of CIDv1 string form: RFC 4648
// lowercase, no padding.
var cidBase32 = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// pieceCIDFromHex converts the raw piece CID bytes delivered by the event
// forwarder (hex, optional 0x prefix) into the canonical base32 string the
// rest of the system keys on.
func pieceCIDFromHex(s string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return "", fmt.Errorf("piece cid is not hex: %w", err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("piece cid is empty")
	}
	return "b" + cidBase32.EncodeToString(raw), nil
}

// decodeHexUTF8 decodes a hex-encoded UTF-8 value from a capability or
// metadata array.
func decodeHexUTF8(s string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return "", fmt.Errorf("value is not hex: %w", err)
	}
	return string(raw), nil
}
