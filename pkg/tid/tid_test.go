package tid

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNextShape(t *testing.T) {
	c := NewClock()
	s := c.Next()

	require.Len(t, s, Len)
	for i := 0; i < len(s); i++ {
		require.Contains(t, Alphabet, string(s[i]))
	}
	require.True(t, IsValid(s))
}

func TestNextStrictlyIncreasing(t *testing.T) {
	c := NewClock()

	prev := c.Next()
	for i := 0; i < 1000; i++ {
		next := c.Next()
		require.Greater(t, next, prev, "TIDs must sort strictly upward")
		prev = next
	}
}

func TestSameMillisecondDisambiguation(t *testing.T) {
	c := NewClock()
	frozen := time.UnixMilli(1700000000000)
	c.now = func() time.Time { return frozen }

	a := c.Next()
	b := c.Next()
	require.Greater(t, b, a)
}

func TestTimestampRoundTrip(t *testing.T) {
	c := NewClock()
	at := time.UnixMilli(1700000000123)
	c.now = func() time.Time { return at }

	s := c.Next()
	got, err := Timestamp(s)
	require.NoError(t, err)
	require.Equal(t, at.UTC(), got)
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{
		"",
		"short",
		"3kabcdefghijkl", // 14 chars
		"3kabcdefghij1",  // '1' is not in the alphabet
		"3KABCDEFGHIJK",  // upper case
	} {
		_, err := Parse(s)
		require.ErrorIs(t, err, ErrMalformed, "input %q", s)
	}
}

func TestEncodeOrderMatchesValueOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Uint64Range(0, 1<<63-1).Draw(t, "a")
		b := rapid.Uint64Range(0, 1<<63-1).Draw(t, "b")

		ea, eb := Encode(a), Encode(b)
		strs := []string{ea, eb}
		sort.Strings(strs)
		if a <= b {
			if strs[0] != ea && ea != eb {
				t.Fatalf("encoding broke ordering: %d→%s, %d→%s", a, ea, b, eb)
			}
		}

		back, err := Parse(ea)
		if err != nil || back != a {
			t.Fatalf("round trip %d: got %d err %v", a, back, err)
		}
	})
}
