package workerpool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoomRunsAllJobs(t *testing.T) {
	pool := New(4, 64)
	defer pool.Close()

	var counter atomic.Int64
	room := pool.NewRoom()
	for i := 0; i < 100; i++ {
		room.Go(func() { counter.Add(1) })
	}
	room.Wait()

	require.Equal(t, int64(100), counter.Load())
}

func TestRoomsAreIndependent(t *testing.T) {
	pool := New(2, 16)
	defer pool.Close()

	var a, b atomic.Int64
	roomA := pool.NewRoom()
	roomB := pool.NewRoom()

	for i := 0; i < 20; i++ {
		roomA.Go(func() { a.Add(1) })
		roomB.Go(func() { b.Add(1) })
	}
	roomA.Wait()
	require.Equal(t, int64(20), a.Load())
	roomB.Wait()
	require.Equal(t, int64(20), b.Load())
}

func TestDefaultWorkerCount(t *testing.T) {
	pool := New(0, 0)
	defer pool.Close()

	room := pool.NewRoom()
	done := make(chan struct{})
	room.Go(func() { close(done) })
	<-done
	room.Wait()
}
