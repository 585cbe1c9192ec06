package keystroke

import "sort"

type pendingRelease struct {
	id    PhysicalKeyID
	token KeyToken
	at    Timestamp
	seq   uint64
}

// releaseBuffer batches non-modifier releases arriving in the same tick
// and appends them to the log in timestamp order.
type releaseBuffer struct {
	pending    map[PhysicalKeyID]pendingRelease
	sched      Scheduler
	emit       func(Event)
	seq        uint64
	generation uint64
	scheduled  bool
}

func newReleaseBuffer(sched Scheduler, emit func(Event)) *releaseBuffer {
	return &releaseBuffer{
		pending: make(map[PhysicalKeyID]pendingRelease),
		sched:   sched,
		emit:    emit,
	}
}

func (b *releaseBuffer) enqueue(id PhysicalKeyID, token KeyToken, at Timestamp) {
	b.seq++
	b.pending[id] = pendingRelease{id: id, token: token, at: at, seq: b.seq}
	if b.scheduled {
		return
	}
	b.scheduled = true
	gen := b.generation
	b.sched.Schedule(func() {
		if gen != b.generation {
			return
		}
		b.flush()
	})
}

// flush appends every pending release, ordered by timestamp then arrival.
func (b *releaseBuffer) flush() {
	b.scheduled = false
	if len(b.pending) == 0 {
		return
	}
	batch := make([]pendingRelease, 0, len(b.pending))
	for _, p := range b.pending {
		batch = append(batch, p)
	}
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].at != batch[j].at {
			return batch[i].at < batch[j].at
		}
		return batch[i].seq < batch[j].seq
	})
	for _, p := range batch {
		b.emit(Event{Direction: Release, Key: p.token, Time: p.at})
		delete(b.pending, p.id)
	}
}

// drain flushes synchronously and cancels the scheduled flush.
func (b *releaseBuffer) drain() {
	b.generation++
	b.flush()
}

func (b *releaseBuffer) has(id PhysicalKeyID) bool {
	_, ok := b.pending[id]
	return ok
}

func (b *releaseBuffer) len() int {
	return len(b.pending)
}

// reset drops pending releases and invalidates any scheduled flush.
func (b *releaseBuffer) reset() {
	b.generation++
	b.scheduled = false
	clear(b.pending)
}
