package dagcbor

import (
	"errors"
	"fmt"
	"math"

	"github.com/ipfs/go-cid"
)

var (
	ErrTruncated    = errors.New("dagcbor: truncated input")
	ErrNonCanonical = errors.New("dagcbor: non-canonical encoding")
	ErrTrailing     = errors.New("dagcbor: trailing bytes after value")
)

// Unmarshal decodes a single DAG-CBOR value and rejects anything outside
// the deterministic subset: indefinite lengths, non-minimal integer heads,
// misordered map keys, tags other than 42, and half or single precision
// floats. The concrete Go types returned are nil, bool, int64, float64,
// string, []byte, []any, map[string]any, and cid.Cid.
func Unmarshal(data []byte) (any, error) {
	d := decoder{buf: data}
	v, err := d.value(0)
	if err != nil {
		return nil, err
	}
	if d.pos != len(data) {
		return nil, ErrTrailing
	}
	return v, nil
}

// maxNesting caps recursion so that hostile input cannot exhaust the stack.
const maxNesting = 64

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) value(depth int) (any, error) {
	if depth > maxNesting {
		return nil, errors.New("dagcbor: nesting too deep")
	}
	major, info, n, err := d.head()
	if err != nil {
		return nil, err
	}

	switch major {
	case majorUint:
		if n > math.MaxInt64 {
			return nil, fmt.Errorf("dagcbor: unsigned %d overflows int64", n)
		}
		return int64(n), nil
	case majorNegInt:
		if n > math.MaxInt64 {
			return nil, fmt.Errorf("dagcbor: negative magnitude %d overflows int64", n)
		}
		return -1 - int64(n), nil
	case majorBytes:
		b, err := d.take(n)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	case majorText:
		b, err := d.take(n)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case majorArray:
		items := make([]any, 0, min(int(n), 1024))
		for i := uint64(0); i < n; i++ {
			item, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case majorMap:
		return d.mapValue(n, depth)
	case majorTag:
		if n != cidTag {
			return nil, fmt.Errorf("dagcbor: unexpected tag %d", n)
		}
		return d.link()
	case majorSimple:
		switch info {
		case 20:
			return false, nil
		case 21:
			return true, nil
		case 22:
			return nil, nil
		case 27:
			return math.Float64frombits(n), nil
		default:
			return nil, fmt.Errorf("dagcbor: unsupported simple value %d", info)
		}
	}
	return nil, fmt.Errorf("dagcbor: unreachable major type %d", major)
}

func (d *decoder) mapValue(n uint64, depth int) (any, error) {
	m := make(map[string]any, min(int(n), 1024))
	prevKey := ""
	for i := uint64(0); i < n; i++ {
		major, _, kn, err := d.head()
		if err != nil {
			return nil, err
		}
		if major != majorText {
			return nil, errors.New("dagcbor: map key is not a text string")
		}
		kb, err := d.take(kn)
		if err != nil {
			return nil, err
		}
		key := string(kb)
		if i > 0 && !keyLess(prevKey, key) {
			return nil, fmt.Errorf("dagcbor: map keys out of order at %q: %w", key, ErrNonCanonical)
		}
		prevKey = key

		v, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		m[key] = v
	}
	return m, nil
}

func (d *decoder) link() (cid.Cid, error) {
	major, _, n, err := d.head()
	if err != nil {
		return cid.Undef, err
	}
	if major != majorBytes {
		return cid.Undef, errors.New("dagcbor: tag 42 does not wrap a byte string")
	}
	b, err := d.take(n)
	if err != nil {
		return cid.Undef, err
	}
	if len(b) == 0 || b[0] != 0x00 {
		return cid.Undef, errors.New("dagcbor: tag 42 payload missing multibase prefix byte")
	}
	c, err := cid.Cast(b[1:])
	if err != nil {
		return cid.Undef, fmt.Errorf("dagcbor: tag 42 payload: %w", err)
	}
	return c, nil
}

// head reads a major type byte and its argument, enforcing minimal widths
// and rejecting indefinite lengths. For float64 heads the argument is the
// raw bit pattern.
func (d *decoder) head() (major, info byte, n uint64, err error) {
	if d.pos >= len(d.buf) {
		return 0, 0, 0, ErrTruncated
	}
	b := d.buf[d.pos]
	d.pos++
	major = b >> 5
	info = b & 0x1f

	switch {
	case info < 24:
		return major, info, uint64(info), nil
	case info == 24, info == 25, info == 26, info == 27:
		width := 1 << (info - 24)
		raw, err := d.take(uint64(width))
		if err != nil {
			return 0, 0, 0, err
		}
		for _, c := range raw {
			n = n<<8 | uint64(c)
		}
		if major == majorSimple {
			if info != 27 {
				return 0, 0, 0, fmt.Errorf("dagcbor: float width %d not allowed", width*8)
			}
			return major, info, n, nil
		}
		if !minimalWidth(info, n) {
			return 0, 0, 0, fmt.Errorf("dagcbor: %d encoded wider than necessary: %w", n, ErrNonCanonical)
		}
		return major, info, n, nil
	default:
		return 0, 0, 0, fmt.Errorf("dagcbor: indefinite or reserved length (info %d)", info)
	}
}

func minimalWidth(info byte, n uint64) bool {
	switch info {
	case 24:
		return n >= 24
	case 25:
		return n > math.MaxUint8
	case 26:
		return n > math.MaxUint16
	default:
		return n > math.MaxUint32
	}
}

func (d *decoder) take(n uint64) ([]byte, error) {
	if n > uint64(len(d.buf)-d.pos) {
		return nil, ErrTruncated
	}
	out := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return out, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
