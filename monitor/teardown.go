package monitor

import "go.uber.org/zap"

type step struct {
	name string
	fn   func() error
}

func (s *Session) onTeardown(name string, fn func() error) {
	s.undo = append(s.undo, step{name: name, fn: fn})
}

// teardown runs the release steps newest first. A failing step is logged
// and the rest still run.
func (s *Session) teardown() {
	for i := len(s.undo) - 1; i >= 0; i-- {
		st := s.undo[i]

		if err := st.fn(); err != nil {
			s.log.Warn("teardown step failed", zap.String("step", st.name), zap.Error(err))

			continue
		}

		s.log.Debug("teardown step done", zap.String("step", st.name))
	}

	s.undo = nil
}
