package synthesis

import (
	"context"
	"sync"
)

// frameQueue hands frames from a provider attempt to the playout loop. Push
// never blocks, so a provider stream finishes at its own speed while playout
// runs at real time.
type frameQueue struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	notify chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{notify: make(chan struct{}, 1)}
}

func (q *frameQueue) push(frame []byte) {
	q.mu.Lock()
	q.frames = append(q.frames, frame)
	q.mu.Unlock()
	q.signal()
}

// close marks the end of input. Frames already queued are still returned.
func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *frameQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// next blocks until a frame is queued. ok is false once the queue is closed
// and drained.
func (q *frameQueue) next(ctx context.Context) (frame []byte, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame = q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return frame, true, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-q.notify:
		}
	}
}
