// Package rules adapts github.com/notnil/chess to the engine's rules
// contract. Positions are FEN strings; moves are accepted in UCI or SAN.
package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gambit/server/game"
	"github.com/notnil/chess"
)

var (
	ErrIllegalMove     = errors.New("illegal move")
	ErrInvalidPosition = errors.New("invalid position")
)

type TerminalKind string

const (
	NotTerminal TerminalKind = ""
	Checkmate   TerminalKind = "checkmate"
	Draw        TerminalKind = "draw"
)

// Terminal describes whether a position ends the game.
// Winner is set only for Checkmate.
type Terminal struct {
	Kind   TerminalKind
	Winner game.Color
	Method string
}

func (t Terminal) IsTerminal() bool { return t.Kind != NotTerminal }

// Applied is the outcome of a legal move.
type Applied struct {
	Position   string
	SideToMove game.Color
	Move       game.Move
	Terminal   Terminal
}

// LegalMove is one candidate ply from a position.
type LegalMove struct {
	UCI      string
	SAN      string
	Capture  bool
	Check    bool
	Captured int // material value of the captured piece, 0 if none
}

// Engine is the rules contract consumed by the session engine and the
// suggesters.
type Engine interface {
	InitialPosition() string
	Apply(position, move string) (Applied, error)
	Terminal(position string) (Terminal, error)
	SideToMove(position string) (game.Color, error)
	LegalMoves(position string) ([]LegalMove, error)
}

// Chess implements Engine with notnil/chess.
type Chess struct{}

var _ Engine = Chess{}

func New() Chess { return Chess{} }

func (Chess) InitialPosition() string {
	return chess.NewGame().Position().String()
}

func (Chess) Apply(position, move string) (Applied, error) {
	g, err := load(position)
	if err != nil {
		return Applied{}, err
	}
	if g.Outcome() != chess.NoOutcome {
		return Applied{}, fmt.Errorf("%w: game already over (%s)", ErrIllegalMove, g.Method())
	}

	before := g.Position()
	mover := toColor(before.Turn())

	mv, err := decodeMove(before, move)
	if err != nil {
		return Applied{}, err
	}
	if err := g.Move(mv); err != nil {
		return Applied{}, fmt.Errorf("%w: %s", ErrIllegalMove, move)
	}
	// The recorded move carries the check and capture tags SAN needs.
	history := g.Moves()
	mv = history[len(history)-1]

	after := g.Position()
	uci := chess.UCINotation{}.Encode(before, mv)
	applied := Applied{
		Position:   after.String(),
		SideToMove: toColor(after.Turn()),
		Move: game.Move{
			From: mv.S1().String(),
			To:   mv.S2().String(),
			SAN:  chess.AlgebraicNotation{}.Encode(before, mv),
			UCI:  uci,
			By:   mover,
		},
		Terminal: terminalOf(g),
	}
	if len(uci) == 5 {
		applied.Move.Promotion = uci[4:]
	}
	return applied, nil
}

func (Chess) Terminal(position string) (Terminal, error) {
	g, err := load(position)
	if err != nil {
		return Terminal{}, err
	}
	return terminalOf(g), nil
}

func (Chess) SideToMove(position string) (game.Color, error) {
	g, err := load(position)
	if err != nil {
		return "", err
	}
	return toColor(g.Position().Turn()), nil
}

func (Chess) LegalMoves(position string) ([]LegalMove, error) {
	g, err := load(position)
	if err != nil {
		return nil, err
	}
	if g.Outcome() != chess.NoOutcome {
		return nil, nil
	}
	pos := g.Position()
	board := pos.Board()

	valid := pos.ValidMoves()
	out := make([]LegalMove, 0, len(valid))
	for _, mv := range valid {
		lm := LegalMove{
			UCI:     chess.UCINotation{}.Encode(pos, mv),
			SAN:     chess.AlgebraicNotation{}.Encode(pos, mv),
			Capture: mv.HasTag(chess.Capture),
			Check:   mv.HasTag(chess.Check),
		}
		if lm.Capture {
			lm.Captured = pieceValue(board.Piece(mv.S2()).Type())
			if mv.HasTag(chess.EnPassant) {
				lm.Captured = pieceValue(chess.Pawn)
			}
		}
		out = append(out, lm)
	}
	return out, nil
}

func load(position string) (*chess.Game, error) {
	if strings.TrimSpace(position) == "" {
		return nil, fmt.Errorf("%w: empty position", ErrInvalidPosition)
	}
	opt, err := chess.FEN(position)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	return chess.NewGame(opt), nil
}

// decodeMove accepts UCI first and falls back to SAN.
func decodeMove(pos *chess.Position, s string) (*chess.Move, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty move", ErrIllegalMove)
	}
	if mv, err := (chess.UCINotation{}).Decode(pos, strings.ToLower(s)); err == nil {
		return mv, nil
	}
	if mv, err := (chess.AlgebraicNotation{}).Decode(pos, s); err == nil {
		return mv, nil
	}
	return nil, fmt.Errorf("%w: cannot parse %q", ErrIllegalMove, s)
}

func terminalOf(g *chess.Game) Terminal {
	pos := g.Position()
	switch pos.Status() {
	case chess.Checkmate:
		// The side to move is mated; the previous mover wins.
		return Terminal{Kind: Checkmate, Winner: toColor(pos.Turn()).Opposite(), Method: chess.Checkmate.String()}
	case chess.Stalemate:
		return Terminal{Kind: Draw, Method: chess.Stalemate.String()}
	}
	switch g.Outcome() {
	case chess.Draw:
		return Terminal{Kind: Draw, Method: g.Method().String()}
	case chess.WhiteWon:
		return Terminal{Kind: Checkmate, Winner: game.White, Method: g.Method().String()}
	case chess.BlackWon:
		return Terminal{Kind: Checkmate, Winner: game.Black, Method: g.Method().String()}
	}
	return Terminal{}
}

func toColor(c chess.Color) game.Color {
	if c == chess.Black {
		return game.Black
	}
	return game.White
}

var pieceValues = map[chess.PieceType]int{
	chess.Pawn:   1,
	chess.Knight: 3,
	chess.Bishop: 3,
	chess.Rook:   5,
	chess.Queen:  9,
}

func pieceValue(t chess.PieceType) int {
	return pieceValues[t]
}
