// Package logstream persists run output and fans it out to live subscribers.
//
// Every chunk is appended to the store before any subscriber sees it, so a
// late subscriber can be given the full persisted prefix followed by live
// chunks with no gap and no duplicate. End of stream is signalled by closing
// the subscriber's channel, exactly once.
package logstream

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"opsrunner/internal/model"
	"opsrunner/internal/storage"
	logx "opsrunner/pkg/logx"
)

// maxPending bounds how many live chunks a slow subscriber may have queued
// before newer chunks are dropped for it. The persisted log stays complete;
// only that subscriber's live view thins out.
const maxPending = 4096

// Streamer owns the active streams. One instance serves the whole process.
type Streamer struct {
	store storage.Store
	log   logx.Logger

	mu      sync.Mutex
	streams map[string]*Stream

	dropWarn *rate.Limiter
}

func New(store storage.Store, log logx.Logger) *Streamer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Streamer{
		store:    store,
		log:      log,
		streams:  map[string]*Stream{},
		dropWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Open registers an active stream for a run. The caller feeds it with
// Publish and must Close it when the backend's output ends.
func (s *Streamer) Open(runID string) *Stream {
	st := &Stream{
		parent: s,
		runID:  runID,
		subs:   map[*subscriber]struct{}{},
	}
	s.mu.Lock()
	s.streams[runID] = st
	s.mu.Unlock()
	return st
}

// Subscribe returns the run's chunks: the full persisted prefix first, then
// live chunks as they arrive. The channel is closed when the run's output is
// complete or cancel is called. Subscribing to a finished run replays the
// persisted log and closes immediately after.
func (s *Streamer) Subscribe(ctx context.Context, runID string) (<-chan model.LogChunk, func(), error) {
	s.mu.Lock()
	st := s.streams[runID]
	s.mu.Unlock()

	if st == nil {
		// No active stream: the run already finished (or never produced
		// output). Serve straight from the store.
		chunks, err := s.store.LogChunks(ctx, runID)
		if err != nil {
			return nil, nil, err
		}
		sub := newSubscriber(chunks)
		sub.markDone()
		go sub.run()
		return sub.out, sub.stop, nil
	}

	// Holding the stream lock here keeps Publish out, so the snapshot below
	// is exactly the set of chunks every live delivery from now on follows.
	st.mu.Lock()
	chunks, err := s.store.LogChunks(ctx, runID)
	if err != nil {
		st.mu.Unlock()
		return nil, nil, err
	}
	sub := newSubscriber(chunks)
	if st.closed {
		sub.markDone()
	} else {
		st.subs[sub] = struct{}{}
	}
	st.mu.Unlock()

	cancel := func() {
		st.mu.Lock()
		delete(st.subs, sub)
		st.mu.Unlock()
		sub.stop()
	}
	go sub.run()
	return sub.out, cancel, nil
}

func (s *Streamer) remove(runID string) {
	s.mu.Lock()
	delete(s.streams, runID)
	s.mu.Unlock()
}

// Stream is the producer side for one run's output.
type Stream struct {
	parent *Streamer
	runID  string

	mu     sync.Mutex
	seq    uint64
	closed bool
	subs   map[*subscriber]struct{}
}

// Publish appends one line to the run's durable log and forwards it to the
// current subscribers. A line that cannot be persisted is not delivered live
// either; replay and live views never diverge.
func (st *Stream) Publish(ctx context.Context, line string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	chunk := model.LogChunk{
		RunID:   st.runID,
		Seq:     st.seq,
		Payload: line,
		At:      time.Now().UTC(),
	}
	if err := st.parent.store.AppendLogChunk(ctx, chunk); err != nil {
		st.parent.log.Error("log chunk not persisted, dropping",
			logx.String("run", st.runID), logx.Uint64("seq", chunk.Seq), logx.Err(err))
		return
	}
	st.seq++

	for sub := range st.subs {
		if !sub.enqueue(chunk) {
			if st.parent.dropWarn.Allow() {
				st.parent.log.Warn("slow log subscriber, dropping live chunks",
					logx.String("run", st.runID))
			}
		}
	}
}

// Close ends the stream. Subscribers drain whatever is queued for them and
// then see their channel close.
func (st *Stream) Close() {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	subs := st.subs
	st.subs = map[*subscriber]struct{}{}
	st.mu.Unlock()

	for sub := range subs {
		sub.markDone()
	}
	st.parent.remove(st.runID)
}

// subscriber decouples delivery from the producer: the producer only appends
// to the pending queue, a dedicated goroutine feeds the consumer channel.
type subscriber struct {
	out    chan model.LogChunk
	stopCh chan struct{}

	mu       sync.Mutex
	pending  []model.LogChunk
	done     bool
	stopOnce sync.Once
	wake     chan struct{}
}

func newSubscriber(replay []model.LogChunk) *subscriber {
	return &subscriber{
		out:     make(chan model.LogChunk, 64),
		stopCh:  make(chan struct{}),
		pending: replay,
		wake:    make(chan struct{}, 1),
	}
}

// enqueue queues a live chunk, reporting false when the subscriber is too far
// behind and the chunk was dropped for it.
func (s *subscriber) enqueue(c model.LogChunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= maxPending {
		return false
	}
	s.pending = append(s.pending, c)
	s.signalLocked()
	return true
}

func (s *subscriber) markDone() {
	s.mu.Lock()
	s.done = true
	s.signalLocked()
	s.mu.Unlock()
}

// stop detaches the consumer. Delivery halts even mid-send; the out channel
// is closed by the delivery goroutine.
func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *subscriber) signalLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		done := s.done
		s.mu.Unlock()

		for _, c := range batch {
			select {
			case s.out <- c:
			case <-s.stopCh:
				return
			}
		}
		if done {
			s.mu.Lock()
			empty := len(s.pending) == 0
			s.mu.Unlock()
			if empty {
				return
			}
			continue
		}
		select {
		case <-s.wake:
		case <-s.stopCh:
			return
		}
	}
}
