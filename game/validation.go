package game

import "fmt"

// validTransitions defines the allowed status transitions. Staying in the
// same status is always allowed.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusActive},
	StatusActive:  {StatusCompleted, StatusAbandoned},
}

func ValidateStatus(s Status) bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusAbandoned:
		return true
	default:
		return false
	}
}

func ValidateStatusTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Validate checks the invariants that must hold for every persisted
// snapshot. Stores call it on every write and every decode.
func (s Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidSession)
	}
	if !ValidateStatus(s.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSession, s.Status)
	}
	if s.White == nil || s.White.PlayerID == "" {
		return fmt.Errorf("%w: white player is required", ErrInvalidSession)
	}
	if s.Status == StatusPending {
		if s.Black != nil {
			return fmt.Errorf("%w: pending session cannot have a black player", ErrInvalidSession)
		}
	} else if s.Black == nil || s.Black.PlayerID == "" {
		return fmt.Errorf("%w: %s session requires a black player", ErrInvalidSession, s.Status)
	}
	if s.Black != nil && s.Black.PlayerID == s.White.PlayerID {
		return fmt.Errorf("%w: white and black are the same player", ErrInvalidSession)
	}
	if s.Position == "" {
		return fmt.Errorf("%w: position is required", ErrInvalidSession)
	}
	if !s.SideToMove.IsValid() {
		return fmt.Errorf("%w: unknown side to move %q", ErrInvalidSession, s.SideToMove)
	}
	if s.Status == StatusCompleted {
		if !s.Winner.IsValid() {
			return fmt.Errorf("%w: completed session requires a winner", ErrInvalidSession)
		}
	} else if s.Winner != "" {
		return fmt.Errorf("%w: winner set on %s session", ErrInvalidSession, s.Status)
	}
	if s.Automated {
		if !s.Difficulty.IsValid() {
			return fmt.Errorf("%w: automated session requires a difficulty", ErrInvalidSession)
		}
		if s.Black == nil || s.Black.PlayerID != AutomatedPlayerID {
			return fmt.Errorf("%w: automated session must seat the automated player as black", ErrInvalidSession)
		}
	} else if s.Difficulty != "" {
		return fmt.Errorf("%w: difficulty set on human session", ErrInvalidSession)
	}
	if s.LastMove != nil && !s.LastMove.By.IsValid() {
		return fmt.Errorf("%w: last move has no color", ErrInvalidSession)
	}
	return nil
}

// ValidateTransition checks that next is a legal successor of prev.
// Immutable fields must not change, black is assigned at most once, status
// never regresses, and position and side to move change only together.
func ValidateTransition(prev, next Session) error {
	if prev.ID != next.ID {
		return fmt.Errorf("%w: id is immutable", ErrInvalidSession)
	}
	if prev.Automated != next.Automated || prev.Difficulty != next.Difficulty {
		return fmt.Errorf("%w: automated flag and difficulty are immutable", ErrInvalidSession)
	}
	if !samePlayer(prev.White, next.White) {
		return fmt.Errorf("%w: white player is immutable", ErrInvalidSession)
	}
	if prev.Black != nil && !samePlayer(prev.Black, next.Black) {
		return fmt.Errorf("%w: black player already assigned", ErrInvalidSession)
	}
	if !ValidateStatusTransition(prev.Status, next.Status) {
		return fmt.Errorf("%w: invalid transition %s → %s", ErrInvalidSession, prev.Status, next.Status)
	}
	if prev.Black == nil && next.Black != nil && next.Status != StatusActive {
		return fmt.Errorf("%w: black assignment must activate the session", ErrInvalidSession)
	}

	positionChanged := prev.Position != next.Position
	sideChanged := prev.SideToMove != next.SideToMove
	if positionChanged != sideChanged {
		return fmt.Errorf("%w: position and side to move must change together", ErrInvalidSession)
	}
	if positionChanged {
		if prev.Status != StatusActive {
			return fmt.Errorf("%w: position changed on %s session", ErrInvalidSession, prev.Status)
		}
		if next.SideToMove != prev.SideToMove.Opposite() {
			return fmt.Errorf("%w: side to move must alternate", ErrInvalidSession)
		}
	}
	return nil
}

func samePlayer(a, b *Player) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
