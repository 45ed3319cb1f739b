package repo

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"

	"github.com/ipfs/go-cid"

	"github.com/stormlightlabs/pds/pkg/dagcbor"
)

// canonicalRecord turns client-supplied record JSON into the canonical
// DAG-CBOR bytes that get hashed. Object key order and whitespace in the
// input JSON wash out here. Numbers that parse as int64 become integers and
// all others become float64, so 1 and 1.0 encode differently.
func canonicalRecord(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: record JSON: %v", ErrInvalidInput, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after record JSON", ErrInvalidInput)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: record must be a JSON object", ErrInvalidInput)
	}

	converted, err := fromJSON(m)
	if err != nil {
		return nil, err
	}
	return dagcbor.Marshal(converted)
}

func fromJSON(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			conv, err := fromJSON(item)
			if err != nil {
				return nil, err
			}
			out[k] = conv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			conv, err := fromJSON(item)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: number %q", ErrInvalidInput, x.String())
		}
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, fmt.Errorf("%w: non-finite number", ErrInvalidInput)
		}
		return f, nil
	case string, bool, nil:
		return x, nil
	default:
		return nil, fmt.Errorf("%w: unsupported JSON value %T", ErrInvalidInput, v)
	}
}

// recordToJSON renders stored record bytes back to JSON for getRecord
// responses. Links render as their CID string, byte strings as standard
// base64.
func recordToJSON(data []byte) (json.RawMessage, error) {
	v, err := dagcbor.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("repo: stored record: %w", err)
	}
	return json.Marshal(toJSON(v))
}

func toJSON(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = toJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = toJSON(item)
		}
		return out
	case cid.Cid:
		return x.String()
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	default:
		return v
	}
}
