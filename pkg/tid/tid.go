// Package tid generates timestamp identifiers: 13-character sortable
// base-32 strings packing a millisecond timestamp and a 10-bit clock id.
// TIDs name commit revisions and default record keys.
package tid

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Alphabet is base-32 "sortable": digits 2-7 then a-z, so lexicographic
// order on encoded strings matches numeric order on the packed value.
const Alphabet = "234567abcdefghijklmnopqrstuvwxyz"

// Len is the fixed encoded length.
const Len = 13

var ErrMalformed = errors.New("tid: malformed identifier")

var decodeTable = buildDecodeTable()

func buildDecodeTable() [256]int8 {
	var t [256]int8
	for i := range t {
		t[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		t[Alphabet[i]] = int8(i)
	}
	return t
}

// Clock mints strictly increasing TIDs. Each clock draws its 10-bit clock
// id at random, so two clocks usually differ in the low bits; nothing stops
// two clocks from drawing the same id.
type Clock struct {
	mu      sync.Mutex
	clockID uint64
	lastMs  uint64

	// now is replaceable in tests.
	now func() time.Time
}

// NewClock creates a clock with a random 10-bit clock id.
func NewClock() *Clock {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand only fails when the platform entropy source is
		// broken, which nothing downstream can recover from.
		panic(fmt.Sprintf("tid: read entropy: %v", err))
	}
	return &Clock{
		clockID: uint64(binary.BigEndian.Uint16(buf[:])) & 0x3ff,
		now:     time.Now,
	}
}

// Next mints a TID for the current moment. When the clock reads a
// millisecond at or before the last one used, the timestamp is bumped to
// the last millisecond plus one so that output stays strictly increasing.
func (c *Clock) Next() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := uint64(c.now().UnixMilli())
	if ms <= c.lastMs {
		ms = c.lastMs + 1
	}
	c.lastMs = ms

	return Encode(ms<<10 | c.clockID)
}

// Encode packs a 63-bit value into the 13-character form, most significant
// bits first.
func Encode(v uint64) string {
	var out [Len]byte
	for i := 0; i < Len; i++ {
		shift := uint(60 - 5*i)
		out[i] = Alphabet[(v>>shift)&0x1f]
	}
	return string(out[:])
}

// Parse decodes a 13-character TID back to its packed value.
func Parse(s string) (uint64, error) {
	if len(s) != Len {
		return 0, fmt.Errorf("%w: length %d", ErrMalformed, len(s))
	}
	var v uint64
	for i := 0; i < Len; i++ {
		d := decodeTable[s[i]]
		if d < 0 {
			return 0, fmt.Errorf("%w: byte %q", ErrMalformed, s[i])
		}
		v = v<<5 | uint64(d)
	}
	return v, nil
}

// IsValid reports whether s parses as a TID.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Timestamp extracts the millisecond timestamp from a TID.
func Timestamp(s string) (time.Time, error) {
	v, err := Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(v >> 10)).UTC(), nil
}
