package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// CanonicalJSON renders v as deterministic JSON: object keys sorted,
// compact separators, strings and keys encoded as encoding/json encodes
// them (so <, > and & are escaped). Two structurally equal payloads
// always produce identical bytes, which the audit hash chain depends on.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: marshal payload: %w", err)
	}
	var decoded any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("store: decode payload: %w", err)
	}
	var sb strings.Builder
	if err := writeCanonical(&sb, decoded); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case json.Number:
		sb.WriteString(val.String())
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("store: non-finite number in payload")
		}
		sb.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		sb.Write(enc)
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(enc)
			sb.WriteByte(':')
			if err := writeCanonical(sb, val[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		return fmt.Errorf("store: unsupported payload type %T", v)
	}
	return nil
}

// ChainHash computes the audit chain hash for one record:
// SHA256(prev_hash || canonical_payload), hex encoded.
func ChainHash(prevHash string, canonicalPayload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalPayload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain reports the index of the first record whose hash does not
// match the chain, or -1 when the chain is intact.
func VerifyChain(records []AuditRecord) int {
	prev := ""
	for i, rec := range records {
		if rec.PrevHash != prev {
			return i
		}
		canonical, err := CanonicalJSON(json.RawMessage(rec.Payload))
		if err != nil {
			return i
		}
		if ChainHash(rec.PrevHash, canonical) != rec.Hash {
			return i
		}
		prev = rec.Hash
	}
	return -1
}
