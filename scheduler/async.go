package scheduler

import (
	"runtime/debug"
)

// Action is the unit of work accepted by Submit and SubmitGroup.
type Action func() (any, error)

type workItem[G comparable] struct {
	// submission sequence number, key of the in-flight tree
	handle uint64

	// group tag, only meaningful when grouped is set
	group   G
	grouped bool

	// work to run
	action Action

	// delivers the outcome to the caller's future, invoked exactly once
	resolve func(any, error)
}

func (s *Scheduler[G]) newWorkItem(group G, grouped bool, action Action, resolve func(any, error)) *workItem[G] {
	if action == nil {
		action = func() (any, error) {
			return nil, nil
		}
	}

	return &workItem[G]{
		// populated in enqueue
		handle: 0,

		group:   group,
		grouped: grouped,
		action:  action,
		resolve: resolve,
	}
}

// invoke runs the action on the calling goroutine, turning a panic into a
// *PanicError so that batch-mates and the drain loop are unaffected.
func (s *Scheduler[G]) invoke(v *workItem[G]) (value any, err error) {
	defer func() {
		rec := recover()
		if rec != nil {
			value = nil
			err = &PanicError{
				Value: rec,
				Stack: debug.Stack(),
			}

			s.log.Errorw(
				"action recovered from panic",
				"handle", v.handle,
				"group", v.groupString(),
				"panic", rec,
			)
		}
	}()

	return v.action()
}

// execute runs one in-flight item and routes its outcome.
// Bookkeeping is released before the future settles, so a caller returning
// from Get already observes the reduced Size.
func (s *Scheduler[G]) execute(v *workItem[G]) {
	value, err := s.invoke(v)

	s.release(v, err)

	v.resolve(value, err)
}

func (v *workItem[G]) groupString() string {
	if !v.grouped {
		return "<none>"
	}
	return fmtGroup(v.group)
}
