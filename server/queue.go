package server

import (
	"context"
	"sync/atomic"

	"github.com/voxelview/depthstream/wire"
)

// queuedRequest is a client request plus its arrival time bookkeeping,
// carried as a monotonic nanosecond stamp.
type queuedRequest struct {
	req        wire.Request
	receivedNs int64
}

// dropQueue is a bounded request queue that sheds the oldest entry on
// overflow: the freshest requests are the ones playback still cares
// about, and a shed request heals through the client's re-request loop.
type dropQueue struct {
	ch      chan queuedRequest
	dropped atomic.Int64
}

func newDropQueue(capacity int) *dropQueue {
	return &dropQueue{ch: make(chan queuedRequest, capacity)}
}

// put never blocks: when the queue is full the oldest entry is discarded
// to make room.
func (q *dropQueue) put(r queuedRequest) {
	for {
		select {
		case q.ch <- r:
			return
		default:
			select {
			case <-q.ch:
				q.dropped.Add(1)
			default:
			}
		}
	}
}

// get blocks until a request is available or the context is done.
func (q *dropQueue) get(ctx context.Context) (queuedRequest, error) {
	select {
	case r := <-q.ch:
		return r, nil
	case <-ctx.Done():
		return queuedRequest{}, ctx.Err()
	}
}

// takeDropped returns and resets the shed counter.
func (q *dropQueue) takeDropped() int64 {
	return q.dropped.Swap(0)
}

func (q *dropQueue) size() int {
	return len(q.ch)
}
