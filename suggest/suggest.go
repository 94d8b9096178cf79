// Package suggest produces moves for the automated opponent, either from a
// remote engine API or locally from the rules engine's legal moves.
package suggest

import (
	"context"
	"errors"

	"github.com/gambit/server/game"
)

// ErrNoMove is returned when the position has no legal move to offer.
var ErrNoMove = errors.New("no move available")

// Suggester proposes a move in UCI or SAN for the side to move in position.
// The result is untrusted: callers validate it through the rules engine.
type Suggester interface {
	Suggest(ctx context.Context, position string, difficulty game.Difficulty) (string, error)
}
