// Package dagcbor implements the deterministic CBOR subset used for every
// hashed or signed byte sequence in this server: MST nodes, commits, CAR
// headers, and firehose frames. Map keys are ordered by byte length first
// and lexicographically second, integers use their smallest width, all
// lengths are definite, and CIDs travel as tag 42 over a byte string with a
// leading zero byte. Two encoders that follow these rules produce identical
// bytes for identical values, which is what makes CIDs and signatures
// portable across implementations.
package dagcbor

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ipfs/go-cid"
)

const (
	majorUint   = 0
	majorNegInt = 1
	majorBytes  = 2
	majorText   = 3
	majorArray  = 4
	majorMap    = 5
	majorTag    = 6
	majorSimple = 7

	cidTag = 42

	simpleFalse   = 0xf4
	simpleTrue    = 0xf5
	simpleNull    = 0xf6
	simpleFloat64 = 0xfb
)

var ErrUnsupportedType = errors.New("dagcbor: unsupported value type")

// Marshal encodes v into deterministic DAG-CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return appendValue(nil, v)
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, simpleNull), nil
	case bool:
		if x {
			return append(buf, simpleTrue), nil
		}
		return append(buf, simpleFalse), nil
	case int:
		return appendInt(buf, int64(x)), nil
	case int64:
		return appendInt(buf, x), nil
	case uint64:
		return appendHead(buf, majorUint, x), nil
	case float64:
		buf = append(buf, simpleFloat64)
		bits := math.Float64bits(x)
		for shift := 56; shift >= 0; shift -= 8 {
			buf = append(buf, byte(bits>>shift))
		}
		return buf, nil
	case string:
		buf = appendHead(buf, majorText, uint64(len(x)))
		return append(buf, x...), nil
	case []byte:
		buf = appendHead(buf, majorBytes, uint64(len(x)))
		return append(buf, x...), nil
	case cid.Cid:
		return appendLink(buf, x)
	case *cid.Cid:
		if x == nil {
			return append(buf, simpleNull), nil
		}
		return appendLink(buf, *x)
	case []any:
		var err error
		buf = appendHead(buf, majorArray, uint64(len(x)))
		for _, item := range x {
			if buf, err = appendValue(buf, item); err != nil {
				return nil, err
			}
		}
		return buf, nil
	case map[string]any:
		return appendMap(buf, x)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

func appendInt(buf []byte, v int64) []byte {
	if v >= 0 {
		return appendHead(buf, majorUint, uint64(v))
	}
	return appendHead(buf, majorNegInt, uint64(-1-v))
}

func appendHead(buf []byte, major byte, n uint64) []byte {
	switch {
	case n < 24:
		return append(buf, major<<5|byte(n))
	case n <= math.MaxUint8:
		return append(buf, major<<5|24, byte(n))
	case n <= math.MaxUint16:
		return append(buf, major<<5|25, byte(n>>8), byte(n))
	case n <= math.MaxUint32:
		return append(buf, major<<5|26, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	default:
		buf = append(buf, major<<5|27)
		for shift := 56; shift >= 0; shift -= 8 {
			buf = append(buf, byte(n>>shift))
		}
		return buf
	}
}

func appendLink(buf []byte, c cid.Cid) ([]byte, error) {
	if !c.Defined() {
		return nil, errors.New("dagcbor: cannot encode undefined CID")
	}
	raw := c.Bytes()
	buf = appendHead(buf, majorTag, cidTag)
	buf = appendHead(buf, majorBytes, uint64(len(raw)+1))
	buf = append(buf, 0x00)
	return append(buf, raw...), nil
}

func appendMap(buf []byte, m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keyLess(keys[i], keys[j])
	})

	var err error
	buf = appendHead(buf, majorMap, uint64(len(m)))
	for _, k := range keys {
		buf = appendHead(buf, majorText, uint64(len(k)))
		buf = append(buf, k...)
		if buf, err = appendValue(buf, m[k]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// keyLess is the map key order: shorter keys first, byte order among keys
// of equal length.
func keyLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return bytes.Compare([]byte(a), []byte(b)) < 0
}
