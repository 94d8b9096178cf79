// Package game defines the shared session document and its invariants.
package game

import (
	"errors"
	"time"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionNotJoinable = errors.New("session not joinable")
	ErrSelfJoinRejected   = errors.New("cannot join own session")
	ErrSessionNotActive   = errors.New("session not active")
	ErrNotParticipant     = errors.New("player is not a participant")
	ErrInvalidSession     = errors.New("invalid session")
)

type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) IsValid() bool {
	return c == White || c == Black
}

func (c Color) Opposite() Color {
	if c == White {
		return Black
	}
	return White
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned" // reachable only through Abandon or the idle reaper
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Winner is empty until the session completes.
type Winner string

const (
	WinnerWhite Winner = "white"
	WinnerBlack Winner = "black"
	WinnerDraw  Winner = "draw"
)

func (w Winner) IsValid() bool {
	switch w {
	case WinnerWhite, WinnerBlack, WinnerDraw:
		return true
	default:
		return false
	}
}

// WinnerFor maps the color that delivered checkmate to a Winner.
func WinnerFor(c Color) Winner {
	if c == White {
		return WinnerWhite
	}
	return WinnerBlack
}

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

func (d Difficulty) IsValid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	default:
		return false
	}
}

type Player struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
	Rating      int    `json:"rating"`
}

// AutomatedPlayerID identifies the automated opponent in every automated session.
const AutomatedPlayerID = "automated-opponent"

// AutomatedColor is the side the automated opponent always plays.
const AutomatedColor = Black

var automatedRatings = map[Difficulty]int{
	DifficultyEasy:   800,
	DifficultyMedium: 1400,
	DifficultyHard:   2000,
}

// AutomatedPlayer returns the identity written into the black seat of an
// automated session.
func AutomatedPlayer(d Difficulty) Player {
	return Player{
		PlayerID:    AutomatedPlayerID,
		DisplayName: "Computer (" + string(d) + ")",
		Rating:      automatedRatings[d],
	}
}

// Move is the most recently applied ply. Display/audit only.
type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
	SAN       string `json:"san"`
	UCI       string `json:"uci"`
	By        Color  `json:"by"`
}

// Session is the shared document for one match.
type Session struct {
	ID          string     `json:"id"`
	White       *Player    `json:"white,omitempty"`
	Black       *Player    `json:"black,omitempty"`
	Position    string     `json:"position"`
	SideToMove  Color      `json:"side_to_move"`
	Status      Status     `json:"status"`
	Automated   bool       `json:"automated"`
	Difficulty  Difficulty `json:"difficulty,omitempty"`
	Winner      Winner     `json:"winner,omitempty"`
	LastMove    *Move      `json:"last_move,omitempty"`
	JoinedAt    *time.Time `json:"joined_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUpdated time.Time  `json:"last_updated"`
	Version     int64      `json:"version"`
}

// Clone returns a deep copy so callers can mutate without aliasing the
// pointer fields of a stored snapshot.
func (s Session) Clone() Session {
	out := s
	if s.White != nil {
		w := *s.White
		out.White = &w
	}
	if s.Black != nil {
		b := *s.Black
		out.Black = &b
	}
	if s.LastMove != nil {
		m := *s.LastMove
		out.LastMove = &m
	}
	if s.JoinedAt != nil {
		t := *s.JoinedAt
		out.JoinedAt = &t
	}
	return out
}

// ColorOf resolves a player id to the seat it occupies.
func (s Session) ColorOf(playerID string) (Color, bool) {
	if playerID == "" {
		return "", false
	}
	if s.White != nil && s.White.PlayerID == playerID {
		return White, true
	}
	if s.Black != nil && s.Black.PlayerID == playerID {
		return Black, true
	}
	return "", false
}

// PlayerFor returns the player seated at c, or nil.
func (s Session) PlayerFor(c Color) *Player {
	if c == White {
		return s.White
	}
	return s.Black
}

// AwaitsAutomatedMove reports whether the automated opponent is on move.
func (s Session) AwaitsAutomatedMove() bool {
	return s.Status == StatusActive && s.Automated && s.SideToMove == AutomatedColor
}
