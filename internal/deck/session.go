package deck

// Session tracks the cards already shown within one room so rounds never
// repeat a prompt. It is explicitly scoped to a session: the server rebuilds
// it from the room's asked-card list on every draw, and Reset clears it at
// session boundaries. No package-level state.
type Session struct {
	seen map[string]struct{}
}

// NewSession returns an empty tracker.
func NewSession() *Session {
	return &Session{seen: make(map[string]struct{})}
}

// SessionFromAsked seeds a tracker with the cards a room has already shown.
func SessionFromAsked(asked []string) *Session {
	s := NewSession()
	for _, key := range asked {
		s.Mark(key)
	}
	return s
}

// Seen reports whether the card was already shown this session.
func (s *Session) Seen(key string) bool {
	_, ok := s.seen[key]
	return ok
}

// Mark records a card as shown.
func (s *Session) Mark(key string) {
	s.seen[key] = struct{}{}
}

// Reset clears the tracker at a session boundary.
func (s *Session) Reset() {
	s.seen = make(map[string]struct{})
}
