// Package eventbus carries run status and job lifecycle signals between the
// engine, the service facade, and whatever outer surface embeds them. Durable
// state lives in the store; the bus only delivers change notifications.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"opsrunner/internal/model"
)

// JobEvent reports a change to a job's definition. Removed marks a deletion;
// otherwise the job was created or updated and can be re-read from the store.
type JobEvent struct {
	JobID   string    `json:"job_id"`
	Removed bool      `json:"removed,omitempty"`
	At      time.Time `json:"at"`
}

// Bus fans events out to in-process subscribers per topic.
//
// Publishing never blocks: a subscriber whose buffer is full misses that
// event. Subscribers that need a complete picture re-read the store.
type Bus interface {
	PublishRun(ev model.StatusEvent)
	PublishJob(ev JobEvent)
	SubscribeRuns(buffer int) (<-chan model.StatusEvent, func())
	SubscribeJobs(buffer int) (<-chan JobEvent, func())
}

// New returns an in-memory bus. It owns no background goroutines.
func New() Bus {
	return &memBus{}
}

type memBus struct {
	runs fanout[model.StatusEvent]
	jobs fanout[JobEvent]
}

func (b *memBus) PublishRun(ev model.StatusEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.runs.publish(ev)
}

func (b *memBus) PublishJob(ev JobEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.jobs.publish(ev)
}

func (b *memBus) SubscribeRuns(buffer int) (<-chan model.StatusEvent, func()) {
	return b.runs.subscribe(buffer)
}

func (b *memBus) SubscribeJobs(buffer int) (<-chan JobEvent, func()) {
	return b.jobs.subscribe(buffer)
}

// fanout is one topic's subscriber set.
type fanout[T any] struct {
	mu   sync.RWMutex
	subs map[uint64]chan T
	seq  atomic.Uint64
}

func (f *fanout[T]) publish(ev T) {
	// Snapshot so no lock is held while attempting sends.
	f.mu.RLock()
	chs := make([]chan T, 0, len(f.subs))
	for _, ch := range f.subs {
		chs = append(chs, ch)
	}
	f.mu.RUnlock()

	for _, ch := range chs {
		// An unsubscribe may close the channel between the snapshot and the
		// send; the send is fenced against that.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- ev:
			default:
			}
		}()
	}
}

func (f *fanout[T]) subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan T, buffer)

	f.mu.Lock()
	if f.subs == nil {
		f.subs = map[uint64]chan T{}
	}
	id := f.seq.Add(1)
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
