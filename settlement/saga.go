package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// saga is an ordered list of completed steps and their inverses. Compensation
// runs the inverses in strict reverse order of forward execution.
type saga struct {
	undo    []sagaStep
	log     logrus.FieldLogger
	timeout time.Duration
}

type sagaStep struct {
	step Step
	fn   func(context.Context) error
}

func newSaga(log logrus.FieldLogger, timeout time.Duration) *saga {
	return &saga{log: log, timeout: timeout}
}

// do runs forward and, when it succeeds, registers undo. A nil undo means the
// step is covered by an earlier step's inverse.
func (s *saga) do(ctx context.Context, step Step, forward, undo func(context.Context) error) error {
	if err := forward(ctx); err != nil {
		return err
	}
	s.register(step, undo)
	return nil
}

// attempt registers undo before running forward, so it also runs when forward
// reports an error after its write committed. undo must be a no-op when
// forward never took effect.
func (s *saga) attempt(ctx context.Context, step Step, forward, undo func(context.Context) error) error {
	s.register(step, undo)
	return forward(ctx)
}

func (s *saga) register(step Step, undo func(context.Context) error) {
	if undo != nil {
		s.undo = append(s.undo, sagaStep{step: step, fn: undo})
	}
}

// compensate undoes every registered step, newest first. It keeps going past
// failures and returns a CompensationError naming the first one.
func (s *saga) compensate(ctx context.Context, original error) error {
	ctx = context.WithoutCancel(ctx)
	var (
		first  Step
		causes []error
	)
	for i := len(s.undo) - 1; i >= 0; i-- {
		st := s.undo[i]
		if err := s.run(ctx, st); err != nil {
			s.log.WithFields(logrus.Fields{
				"step":  st.step,
				"error": err.Error(),
			}).Error("compensation failed")
			if first == "" {
				first = st.step
			}
			causes = append(causes, err)
			continue
		}
		s.log.WithField("step", st.step).Debug("compensated")
	}
	s.undo = nil
	if len(causes) == 0 {
		return nil
	}
	return &CompensationError{Step: first, Cause: errors.Join(causes...), Original: original}
}

func (s *saga) run(ctx context.Context, st sagaStep) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return st.fn(ctx)
}
