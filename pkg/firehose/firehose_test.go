package firehose

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stormlightlabs/pds/pkg/cidutil"
	"github.com/stormlightlabs/pds/pkg/dagcbor"
)

func TestSequenceCounter(t *testing.T) {
	h := NewHub(nil)

	require.Equal(t, int64(1), h.NextSeq())
	require.Equal(t, int64(2), h.NextSeq())
	require.Equal(t, int64(3), h.NextSeq())
	require.Equal(t, int64(3), h.CurrentSeq())
	require.Equal(t, int64(3), h.CurrentSeq(), "CurrentSeq must not advance")

	h.ResetSeq()
	require.Equal(t, int64(0), h.CurrentSeq())
	require.Equal(t, int64(1), h.NextSeq())
}

func TestSequenceMonotonicUnderContention(t *testing.T) {
	h := NewHub(nil)

	const workers = 16
	const perWorker = 500

	var mu sync.Mutex
	var all []int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perWorker)
			for j := 0; j < perWorker; j++ {
				local = append(local, h.NextSeq())
			}
			mu.Lock()
			all = append(all, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, all, workers*perWorker)
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i, v := range all {
		require.Equal(t, int64(i+1), v, "sequence numbers must be dense and unique")
	}
}

func TestEmitDeliversFrame(t *testing.T) {
	h := NewHub(nil)
	sub := h.Subscribe(4)
	defer sub.Close()

	commit := cidutil.FromData([]byte("commit"))
	blocks := []byte("car bytes")
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	seq, err := h.Emit("did:plc:abc", "3kabcdefghijk", commit, blocks, at)
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)

	frame := <-sub.Events()
	v, err := dagcbor.Unmarshal(frame)
	require.NoError(t, err)
	m := v.(map[string]any)

	require.Equal(t, EventType, m["$type"])
	require.Equal(t, int64(1), m["seq"])
	require.Equal(t, "did:plc:abc", m["did"])
	require.Equal(t, "3kabcdefghijk", m["rev"])
	require.Equal(t, blocks, m["blocks"])
	require.Equal(t, "2024-05-01T12:00:00.000Z", m["time"])
}

func TestSlowSubscriberEvicted(t *testing.T) {
	h := NewHub(nil)
	slow := h.Subscribe(1)
	fast := h.Subscribe(16)
	defer fast.Close()

	commit := cidutil.FromData([]byte("c"))
	now := time.Now()

	// First emit fills slow's buffer; second finds it full and evicts.
	_, err := h.Emit("did:plc:a", "rev1rev1rev1a", commit, nil, now)
	require.NoError(t, err)
	_, err = h.Emit("did:plc:a", "rev2rev2rev2a", commit, nil, now)
	require.NoError(t, err)

	require.Equal(t, 1, h.SubscriberCount())

	// The fast subscriber got both frames.
	<-fast.Events()
	<-fast.Events()

	// The evicted channel is closed after draining its one frame.
	<-slow.Events()
	_, open := <-slow.Events()
	require.False(t, open)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := NewHub(nil)
	sub := h.Subscribe(1)

	sub.Close()
	sub.Close()
	require.Equal(t, 0, h.SubscriberCount())

	// Emitting after close must not panic or deliver.
	_, err := h.Emit("did:plc:a", "rev3rev3rev3a", cidutil.FromData([]byte("x")), nil, time.Now())
	require.NoError(t, err)
}
