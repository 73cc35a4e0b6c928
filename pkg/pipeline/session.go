package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Catrobat/mArIne3D/pkg/inference"
	"github.com/Catrobat/mArIne3D/pkg/types"
)

// Transition records one state change of a session
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Session is the mutable state of one generation run. It is owned by a single goroutine.
type Session struct {
	ID        string
	Concept   string
	Method    types.Method
	Device    types.Device
	CreatedAt time.Time
	Paths     OutputPaths

	state       State
	transitions []Transition
	shape       *inference.Lease[inference.ShapeModel]
	paint       *inference.Lease[inference.PaintModel]
}

func newSession(concept string, method types.Method, device types.Device) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Concept:   concept,
		Method:    method,
		Device:    device,
		CreatedAt: time.Now(),
		state:     StateIdle,
	}
}

// State returns the current state
func (s *Session) State() State {
	return s.state
}

// Transitions returns a copy of the transition log
func (s *Session) Transitions() []Transition {
	out := make([]Transition, len(s.transitions))
	copy(out, s.transitions)
	return out
}

// transition moves the session to the given state. Illegal transitions are programming errors.
func (s *Session) transition(to State) {
	if !s.state.CanTransition(to) {
		panic(fmt.Sprintf("pipeline: illegal transition %s -> %s", s.state, to))
	}
	s.transitions = append(s.transitions, Transition{From: s.state, To: to, At: time.Now()})
	s.state = to
}

// releaseShape closes the shape handle if the session owns it
func (s *Session) releaseShape() error {
	if s.shape == nil {
		return nil
	}
	err := s.shape.Release()
	s.shape = nil
	return err
}

// release closes every handle the session still owns
func (s *Session) release() error {
	err := s.releaseShape()
	if s.paint != nil {
		err = errors.Join(err, s.paint.Release())
		s.paint = nil
	}
	return err
}
