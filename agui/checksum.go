package agui

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const checksumPrefix = "sha256:"

// ComputeChecksum digests a canonical JSON form of `data` so that
// semantically identical values hash identically regardless of map key
// insertion order: "sha256:<hex>".
func ComputeChecksum(data any) (string, error) {
	canonical, err := canonicalJson(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return checksumPrefix + hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum recomputes the digest of `data` and compares it against
// the sender's value.
func VerifyChecksum(data any, checksum string) (bool, error) {
	computed, err := ComputeChecksum(data)
	if err != nil {
		return false, err
	}
	return computed == checksum, nil
}

// canonicalJson round-trips `data` through JSON to normalize Go types,
// then re-encodes with object keys sorted lexicographically. Numbers are
// decoded as json.Number so their wire text is preserved verbatim.
func canonicalJson(data any) ([]byte, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.UseNumber()
	var normalized any
	if err := decoder.Decode(&normalized); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var buff bytes.Buffer
	if err := writeCanonical(&buff, normalized); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

func writeCanonical(buff *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case map[string]any:
		buff.WriteByte('{')
		keys := maps.Keys(v)
		slices.Sort(keys)
		for i, key := range keys {
			if 0 < i {
				buff.WriteByte(',')
			}
			keyBytes, err := json.Marshal(key)
			if err != nil {
				return err
			}
			buff.Write(keyBytes)
			buff.WriteByte(':')
			if err := writeCanonical(buff, v[key]); err != nil {
				return err
			}
		}
		buff.WriteByte('}')
		return nil
	case []any:
		buff.WriteByte('[')
		for i, child := range v {
			if 0 < i {
				buff.WriteByte(',')
			}
			if err := writeCanonical(buff, child); err != nil {
				return err
			}
		}
		buff.WriteByte(']')
		return nil
	case json.Number:
		buff.WriteString(v.String())
		return nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buff.Write(encoded)
		return nil
	}
}
