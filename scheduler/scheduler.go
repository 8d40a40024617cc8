package scheduler

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/emirpasic/gods/v2/queues/linkedlistqueue"
	rbt "github.com/emirpasic/gods/v2/trees/redblacktree"
	"go.uber.org/zap"
)

type Options struct {
	// logging prefix, used as logger name, if empty default will be used
	LogPrefix string

	// enable verbose logging
	LogDebug bool

	// logger to derive from, if nil the global zap logger will be used
	Logger *zap.Logger

	// wait before each batch selection, if zero default will be used,
	// if negative only the processor is yielded
	DrainDelay time.Duration

	// create the scheduler in paused state
	StartPaused bool
}

// Stats is a point-in-time snapshot of a scheduler.
type Stats struct {
	Backlog  int
	InFlight int
	Paused   bool
	Draining bool

	Submitted uint64
	Completed uint64
	Failed    uint64
	Batches   uint64
}

// Scheduler runs submitted actions in submission order, one batch at a
// time. A batch is the maximal run of consecutive actions submitted with the
// same group; its actions run concurrently. Ungrouped actions run alone.
type Scheduler[G comparable] struct {
	options *Options
	log     *zap.SugaredLogger

	mu sync.Mutex

	// pending items in submission order
	backlog *linkedlistqueue.Queue[*workItem[G]]
	// handle -> in-flight item
	inFlightTree *rbt.Tree[uint64, *workItem[G]]

	draining bool
	paused   bool

	// closed whenever Size is zero, replaced when work arrives
	idlech chan struct{}

	handleCount    uint64
	batchCount     uint64
	completedCount uint64
	failedCount    uint64
}

func NewScheduler[G comparable](options *Options) *Scheduler[G] {
	resolved := Options{}
	if options != nil {
		resolved = *options
	}
	if resolved.LogPrefix == "" {
		resolved.LogPrefix = LogPrefix
	}
	if resolved.DrainDelay == 0 {
		resolved.DrainDelay = DrainDelay
	}

	logger := resolved.Logger
	if logger == nil {
		logger = zap.L()
	}

	idlech := make(chan struct{})
	close(idlech)

	return &Scheduler[G]{
		options: &resolved,
		log:     logger.Named(resolved.LogPrefix).Sugar(),

		backlog:      linkedlistqueue.New[*workItem[G]](),
		inFlightTree: rbt.New[uint64, *workItem[G]](),

		draining: false,
		paused:   resolved.StartPaused,

		idlech: idlech,
	}
}

// Options returns a copy of the resolved options.
func (s *Scheduler[G]) Options() Options {
	return *s.options
}

// Submit enqueues an ungrouped action. It never blocks on execution.
func (s *Scheduler[G]) Submit(action Action) *Future[any] {
	var none G
	return s.submit(none, false, action)
}

// SubmitGroup enqueues an action tagged with group. Consecutive actions with
// an equal group run concurrently with each other.
func (s *Scheduler[G]) SubmitGroup(group G, action Action) *Future[any] {
	return s.submit(group, true, action)
}

func (s *Scheduler[G]) submit(group G, grouped bool, action Action) *Future[any] {
	f := newFuture[any]()
	s.enqueue(s.newWorkItem(group, grouped, action, f.resolve))
	return f
}

// Do is Submit with a typed future.
func Do[T any, G comparable](s *Scheduler[G], action func() (T, error)) *Future[T] {
	var none G
	return do(s, none, false, action)
}

// DoGroup is SubmitGroup with a typed future.
func DoGroup[T any, G comparable](s *Scheduler[G], group G, action func() (T, error)) *Future[T] {
	return do(s, group, true, action)
}

func do[T any, G comparable](s *Scheduler[G], group G, grouped bool, action func() (T, error)) *Future[T] {
	f := newFuture[T]()

	var wrapped Action
	if action != nil {
		wrapped = func() (any, error) {
			return action()
		}
	}

	s.enqueue(s.newWorkItem(group, grouped, wrapped, func(value any, err error) {
		typed, _ := value.(T)
		f.resolve(typed, err)
	}))

	return f
}

func (s *Scheduler[G]) enqueue(v *workItem[G]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handleCount += 1
	v.handle = s.handleCount

	if s.sizeLocked() == 0 {
		s.idlech = make(chan struct{})
	}

	s.backlog.Enqueue(v)

	if s.options.LogDebug {
		s.log.Debugw(
			"submitted",
			"handle", v.handle,
			"group", v.groupString(),
			"backlog", s.backlog.Size(),
			"inFlight", s.inFlightTree.Size(),
		)
	}

	s.tryDrain()
}

// release removes a settled item from the in-flight tree.
func (s *Scheduler[G]) release(v *workItem[G], err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlightTree.Remove(v.handle)

	if err != nil {
		s.failedCount += 1
	} else {
		s.completedCount += 1
	}

	if s.sizeLocked() == 0 {
		close(s.idlech)
	}
}

// Size returns the number of submitted actions that have not settled yet,
// queued and running alike.
func (s *Scheduler[G]) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sizeLocked()
}

func (s *Scheduler[G]) sizeLocked() int {
	return s.backlog.Size() + s.inFlightTree.Size()
}

// Pause stops new batches from being selected. A running batch is not
// interrupted.
func (s *Scheduler[G]) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return
	}
	s.paused = true

	if s.options.LogDebug {
		s.log.Debugw("paused", "backlog", s.backlog.Size(), "inFlight", s.inFlightTree.Size())
	}
}

func (s *Scheduler[G]) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		s.paused = false

		if s.options.LogDebug {
			s.log.Debugw("resumed", "backlog", s.backlog.Size(), "inFlight", s.inFlightTree.Size())
		}
	}

	s.tryDrain()
}

func (s *Scheduler[G]) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.paused
}

func (s *Scheduler[G]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Backlog:  s.backlog.Size(),
		InFlight: s.inFlightTree.Size(),
		Paused:   s.paused,
		Draining: s.draining,

		Submitted: s.handleCount,
		Completed: s.completedCount,
		Failed:    s.failedCount,
		Batches:   s.batchCount,
	}
}

// WaitIdle blocks until Size is zero or ctx is done.
func (s *Scheduler[G]) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	idlech := s.idlech
	s.mu.Unlock()

	select {
	case <-idlech:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// must be invoked with s.mu held
func (s *Scheduler[G]) tryDrain() {
	if s.draining || s.paused || s.backlog.Empty() {
		return
	}
	s.draining = true

	if s.options.LogDebug {
		s.log.Debugw("drain loop starting", "backlog", s.backlog.Size())
	}

	go s.drainLoop()
}

// drainLoop selects and runs one batch at a time until the backlog is empty
// or the scheduler is paused. At most one drain loop exists per scheduler.
func (s *Scheduler[G]) drainLoop() {
	for {
		// give the rest of a burst and a racing Pause a chance to land first
		runtime.Gosched()
		if s.options.DrainDelay > 0 {
			time.Sleep(s.options.DrainDelay)
		}

		b := s.nextBatch()
		if b == nil {
			return
		}

		s.runBatch(b)
	}
}

func (s *Scheduler[G]) nextBatch() *batch[G] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused || s.backlog.Empty() {
		s.draining = false

		if s.options.LogDebug {
			s.log.Debugw(
				"drain loop exiting",
				"paused", s.paused,
				"backlog", s.backlog.Size(),
			)
		}
		return nil
	}

	return s.selectBatch()
}
