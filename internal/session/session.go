// Package session holds the controller's re-entrancy state: a monotonic
// generation token that invalidates stale continuations, and a small phase
// machine telling transport callbacks whether a stop/pause they observe was
// caused by the controller itself.
package session

// Token is a captured generation. Continuations compare it against the
// session before touching shared state.
type Token uint64

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSeeking
	PhaseRestarting
)

func (p Phase) String() string {
	switch p {
	case PhaseSeeking:
		return "seeking"
	case PhaseRestarting:
		return "restarting"
	default:
		return "idle"
	}
}

type Session struct {
	generation Token
	phase      Phase
	phaseOwner Token

	// LastLoopJump is the visual time of the most recent loop wrap.
	LastLoopJump float64
}

func New() *Session { return &Session{} }

// Bump invalidates every previously captured token and returns the new one.
func (s *Session) Bump() Token {
	s.generation++
	return s.generation
}

func (s *Session) Current() Token { return s.generation }

func (s *Session) Valid(tok Token) bool { return tok == s.generation }

// Enter marks the session as being in phase p on behalf of tok.
func (s *Session) Enter(p Phase, tok Token) {
	s.phase = p
	s.phaseOwner = tok
}

// Leave returns to PhaseIdle if tok still owns the current phase. A newer
// operation that entered its own phase is left alone.
func (s *Session) Leave(tok Token) bool {
	if s.phase == PhaseIdle || s.phaseOwner != tok {
		return false
	}
	s.phase = PhaseIdle
	s.phaseOwner = 0
	return true
}

func (s *Session) Phase() Phase { return s.phase }

func (s *Session) Seeking() bool { return s.phase == PhaseSeeking }

func (s *Session) Restarting() bool { return s.phase == PhaseRestarting }

// IgnoreTransportEvents reports whether stop/pause notifications from the
// backend are side effects of an operation in flight.
func (s *Session) IgnoreTransportEvents() bool { return s.phase != PhaseIdle }

// Reset clears the phase and loop bookkeeping but keeps the generation
// monotonic.
func (s *Session) Reset() {
	s.phase = PhaseIdle
	s.phaseOwner = 0
	s.LastLoopJump = 0
}
