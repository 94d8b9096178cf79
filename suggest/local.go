package suggest

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/gambit/server/game"
	"github.com/gambit/server/rules"
)

// Local picks moves offline from the rules engine:
// easy plays at random, medium prefers forcing moves and hard takes mate in
// one and the most valuable capture before anything else.
type Local struct {
	rules rules.Engine
	intn  func(n int) int
}

func NewLocal(re rules.Engine) *Local {
	return &Local{rules: re, intn: rand.IntN}
}

func (l *Local) Suggest(ctx context.Context, position string, difficulty game.Difficulty) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	moves, err := l.rules.LegalMoves(position)
	if err != nil {
		return "", fmt.Errorf("legal moves: %w", err)
	}
	if len(moves) == 0 {
		return "", ErrNoMove
	}

	switch difficulty {
	case game.DifficultyEasy:
		return l.pick(moves), nil
	case game.DifficultyHard:
		return l.hard(position, moves), nil
	default:
		return l.medium(moves), nil
	}
}

func (l *Local) pick(moves []rules.LegalMove) string {
	return moves[l.intn(len(moves))].UCI
}

func (l *Local) medium(moves []rules.LegalMove) string {
	var forcing []rules.LegalMove
	for _, m := range moves {
		if m.Capture || m.Check {
			forcing = append(forcing, m)
		}
	}
	if len(forcing) > 0 {
		return l.pick(forcing)
	}
	return l.pick(moves)
}

func (l *Local) hard(position string, moves []rules.LegalMove) string {
	var best []rules.LegalMove
	bestValue := 0
	var checks []rules.LegalMove
	for _, m := range moves {
		if m.Check {
			applied, err := l.rules.Apply(position, m.UCI)
			if err == nil && applied.Terminal.Kind == rules.Checkmate {
				return m.UCI
			}
			checks = append(checks, m)
		}
		switch {
		case m.Captured > bestValue:
			bestValue = m.Captured
			best = []rules.LegalMove{m}
		case m.Captured > 0 && m.Captured == bestValue:
			best = append(best, m)
		}
	}
	if len(best) > 0 {
		return l.pick(best)
	}
	if len(checks) > 0 {
		return l.pick(checks)
	}
	return l.pick(moves)
}
