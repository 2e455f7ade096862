// Package queue serializes work per conversation channel.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrEmptyLaneID is returned when Do is called with an empty channel ID.
	ErrEmptyLaneID = errors.New("queue: lane ID must not be empty")
	// ErrClosed is returned by Do after Close.
	ErrClosed = errors.New("queue: closed")
)

// Work is one unit of work run inside a lane. ctx is the caller's context.
type Work func(ctx context.Context) error

type workItem struct {
	ctx  context.Context
	fn   Work
	done chan error
}

// lane processes work items sequentially via a single goroutine.
type lane struct {
	work chan workItem
}

// run processes items in FIFO order until the work channel is closed. Items
// whose caller gave up before they started are skipped.
func (l *lane) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for item := range l.work {
		if err := item.ctx.Err(); err != nil {
			item.done <- err
			continue
		}
		item.done <- safeExec(item.ctx, item.fn)
	}
}

func safeExec(ctx context.Context, fn Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: panic: %v", r)
		}
	}()
	return fn(ctx)
}

// defaultLaneBufferSize is the capacity of each lane's work channel.
var defaultLaneBufferSize = 4096

// LaneQueue runs at most one turn per channel at a time. Different channels
// execute concurrently; work within one channel runs in submission order.
type LaneQueue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// NewLaneQueue creates a new LaneQueue ready for use.
func NewLaneQueue() *LaneQueue {
	return &LaneQueue{
		lanes: make(map[string]*lane),
	}
}

// Do runs fn in the lane of channelID and waits for it. It returns fn's
// error, or ctx.Err() if ctx ends before fn finishes. A fn that already
// started keeps running with the same ctx.
func (q *LaneQueue) Do(ctx context.Context, channelID string, fn Work) error {
	if channelID == "" {
		return ErrEmptyLaneID
	}

	item := workItem{ctx: ctx, fn: fn, done: make(chan error, 1)}
	if err := q.submit(ctx, channelID, item); err != nil {
		return err
	}

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue adds fn to the lane of channelID and returns without waiting for
// it. Items enqueued by one goroutine run in the order they were enqueued.
// Errors returned by fn are dropped.
func (q *LaneQueue) Enqueue(ctx context.Context, channelID string, fn Work) error {
	if channelID == "" {
		return ErrEmptyLaneID
	}
	return q.submit(ctx, channelID, workItem{ctx: ctx, fn: fn, done: make(chan error, 1)})
}

func (q *LaneQueue) submit(ctx context.Context, channelID string, item workItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	l, ok := q.lanes[channelID]
	if !ok {
		l = &lane{work: make(chan workItem, defaultLaneBufferSize)}
		q.lanes[channelID] = l
		q.wg.Add(1)
		go l.run(&q.wg)
	}
	// Holding mu keeps Close from closing the channel under us.
	select {
	case l.work <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports how many items wait in channelID's lane, not counting the
// one running.
func (q *LaneQueue) Pending(channelID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[channelID]; ok {
		return len(l.work)
	}
	return 0
}

// LaneCount returns the number of lanes created so far.
func (q *LaneQueue) LaneCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Close stops accepting work and waits until queued items drain or ctx ends.
func (q *LaneQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for _, l := range q.lanes {
			close(l.work)
		}
	}
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
