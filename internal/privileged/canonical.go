// Package privileged implements the interactive two-factor flow, the
// signed one-shot grant tokens, the sudo window, and the client side
// of the privileged daemon RPC.
package privileged

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// CanonicalJSON serializes a payload deterministically: object keys
// sorted, no insignificant whitespace. Both sides of a grant hash the
// same action payload through this function.
func CanonicalJSON(payload any) (string, error) {
	normalized, err := normalize(payload)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	writeCanonical(&sb, normalized)
	return sb.String(), nil
}

// ActionHash is the hex SHA-256 of the canonical payload.
func ActionHash(payload any) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// normalize round-trips through encoding/json so structs, maps and
// primitives all collapse to the same generic shape.
func normalize(payload any) (any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return out, nil
}

func writeCanonical(sb *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		sb.WriteByte('{')
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			keyJSON, _ := json.Marshal(k)
			sb.Write(keyJSON)
			sb.WriteByte(':')
			writeCanonical(sb, val[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	case string:
		data, _ := json.Marshal(val)
		sb.Write(data)
	case float64:
		// Integral floats print without a fraction so 5 and 5.0 hash
		// identically.
		if val == float64(int64(val)) {
			sb.WriteString(strconv.FormatInt(int64(val), 10))
		} else {
			sb.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
		}
	case bool:
		sb.WriteString(strconv.FormatBool(val))
	case nil:
		sb.WriteString("null")
	}
}
