package scheduler

import (
	"fmt"
	"sync"
)

// batch is the maximal run of consecutive backlog items sharing one group
// tag, or a single untagged item.
type batch[G comparable] struct {
	// sequence number of this batch
	seq uint64

	// group of the first item, shared by all items when grouped is set
	group   G
	grouped bool

	// items in submission order
	items []*workItem[G]
}

func newBatch[G comparable](seq uint64, first *workItem[G]) *batch[G] {
	return &batch[G]{
		seq:     seq,
		group:   first.group,
		grouped: first.grouped,
		items:   []*workItem[G]{first},
	}
}

// accepts reports whether v may extend the batch.
func (b *batch[G]) accepts(v *workItem[G]) bool {
	return b.grouped && v.grouped && v.group == b.group
}

func (b *batch[G]) groupString() string {
	return b.items[0].groupString()
}

// must be invoked with s.mu held
func (s *Scheduler[G]) selectBatch() *batch[G] {
	first, ok := s.backlog.Dequeue()
	if !ok {
		return nil
	}

	s.batchCount += 1
	b := newBatch(s.batchCount, first)

	for {
		// inspect before removing, never skip over a non-matching head
		next, found := s.backlog.Peek()
		if !found || !b.accepts(next) {
			break
		}

		s.backlog.Dequeue()
		b.items = append(b.items, next)
	}

	// move to in-flight while still under lock, keeping Size exact
	for _, v := range b.items {
		s.inFlightTree.Put(v.handle, v)
	}

	if s.options.LogDebug {
		s.log.Debugw(
			"selected batch",
			"batch", b.seq,
			"group", b.groupString(),
			"size", len(b.items),
			"backlog", s.backlog.Size(),
		)
	}

	return b
}

// run starts every item of the batch concurrently and blocks until all of
// them have settled. Outcomes are independent of each other.
func (s *Scheduler[G]) runBatch(b *batch[G]) {
	var wg sync.WaitGroup
	wg.Add(len(b.items))

	for _, v := range b.items {
		go func(v *workItem[G]) {
			defer wg.Done()
			s.execute(v)
		}(v)
	}

	wg.Wait()

	if s.options.LogDebug {
		s.log.Debugw(
			"batch settled",
			"batch", b.seq,
			"group", b.groupString(),
			"size", len(b.items),
		)
	}
}

func fmtGroup[G comparable](group G) string {
	return fmt.Sprintf("%+v", group)
}
