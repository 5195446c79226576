package multicastsetup

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

type transition int

const (
	transitionStart transition = iota + 1
	transitionStop
)

func (t transition) String() string {
	switch t {
	case transitionStart:
		return "start"
	case transitionStop:
		return "stop"
	default:
		return "idle"
	}
}

type sessionEvent struct {
	transition transition
	groupID    uint8
}

const maxQueuedEvents = 2

// scheduler holds the state shared between the timer callbacks and the
// package Process.
type scheduler struct {
	mu sync.Mutex

	events       [maxQueuedEvents]sessionEvent
	n            int
	startGroupID uint8
	activeGroup  uint8
	active       bool
	powersave    func()
}

func (s *scheduler) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.n = 0
	s.active = false
	s.powersave = nil
}

// push must be called with the lock held.
func (s *scheduler) push(ev sessionEvent) {
	if s.n == maxQueuedEvents {
		log.WithFields(log.Fields{
			"transition": ev.transition,
			"group_id":   ev.groupID,
			"dropped":    s.events[s.n-1].transition,
		}).Warning("multicastsetup: session event queue full, replacing last event")
		s.n--
	}

	s.events[s.n] = ev
	s.n++
}

func (s *scheduler) drain() []sessionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]sessionEvent, s.n)
	copy(out, s.events[:s.n])
	s.n = 0
	return out
}

// armStart records the group of the start timer about to be armed.
func (s *scheduler) armStart(groupID uint8) {
	s.mu.Lock()
	s.startGroupID = groupID
	s.mu.Unlock()
}

// setActive records the group of the running session, the stop timer
// belongs to this group. It returns the group it replaces, if any.
func (s *scheduler) setActive(groupID uint8) (uint8, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.activeGroup, s.active
	s.activeGroup = groupID
	s.active = true
	return prev, ok && prev != groupID
}

// stopActive clears the running session when it belongs to the given group.
// It returns false for a stop of a session which has been superseded.
func (s *scheduler) stopActive(groupID uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active || s.activeGroup != groupID {
		return false
	}
	s.active = false
	return true
}

func (s *scheduler) setPowersave(f func()) {
	s.mu.Lock()
	s.powersave = f
	s.mu.Unlock()
}

// onStartTimer queues the start transition and returns the one-shot
// power-save callback (which is cleared).
func (s *scheduler) onStartTimer() func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.push(sessionEvent{transition: transitionStart, groupID: s.startGroupID})

	f := s.powersave
	s.powersave = nil
	return f
}

func (s *scheduler) onStopTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.push(sessionEvent{transition: transitionStop, groupID: s.activeGroup})
}

func (p *Package) onSessionStartTimer() {
	p.startTimer.Stop()

	f := p.scheduler.onStartTimer()

	log.Debug("multicastsetup: session start timer expired")

	if f != nil {
		f()
	}
}

func (p *Package) onSessionStopTimer() {
	p.stopTimer.Stop()
	p.scheduler.onStopTimer()

	log.Debug("multicastsetup: session stop timer expired")
}
