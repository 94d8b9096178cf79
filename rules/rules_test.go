package rules

import (
	"errors"
	"testing"

	"github.com/gambit/server/game"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

func applyAll(t *testing.T, e Engine, moves ...string) Applied {
	t.Helper()
	pos := e.InitialPosition()
	var last Applied
	for _, m := range moves {
		a, err := e.Apply(pos, m)
		if err != nil {
			t.Fatalf("Apply(%q): %v", m, err)
		}
		pos = a.Position
		last = a
	}
	return last
}

func TestInitialPosition(t *testing.T) {
	if got := New().InitialPosition(); got != startFEN {
		t.Errorf("InitialPosition() = %q, want %q", got, startFEN)
	}
}

func TestApply_UCIAndSAN(t *testing.T) {
	e := New()

	a, err := e.Apply(startFEN, "e2e4")
	if err != nil {
		t.Fatalf("Apply(e2e4): %v", err)
	}
	if a.SideToMove != game.Black {
		t.Errorf("SideToMove = %q, want black", a.SideToMove)
	}
	if a.Move.SAN != "e4" || a.Move.UCI != "e2e4" || a.Move.By != game.White {
		t.Errorf("Move = %+v", a.Move)
	}
	if a.Move.From != "e2" || a.Move.To != "e4" {
		t.Errorf("From/To = %s/%s, want e2/e4", a.Move.From, a.Move.To)
	}
	if a.Terminal.IsTerminal() {
		t.Errorf("Terminal = %+v, want none", a.Terminal)
	}

	b, err := e.Apply(startFEN, "Nf3")
	if err != nil {
		t.Fatalf("Apply(Nf3): %v", err)
	}
	if b.Move.UCI != "g1f3" {
		t.Errorf("UCI = %q, want g1f3", b.Move.UCI)
	}
}

func TestApply_Illegal(t *testing.T) {
	e := New()
	for _, m := range []string{"e2e5", "e7e5", "Qh5", "zz", ""} {
		if _, err := e.Apply(startFEN, m); !errors.Is(err, ErrIllegalMove) {
			t.Errorf("Apply(%q) error = %v, want ErrIllegalMove", m, err)
		}
	}
}

func TestApply_InvalidPosition(t *testing.T) {
	if _, err := New().Apply("not a fen", "e2e4"); !errors.Is(err, ErrInvalidPosition) {
		t.Errorf("error = %v, want ErrInvalidPosition", err)
	}
}

func TestApply_Checkmate(t *testing.T) {
	a := applyAll(t, New(), "f2f3", "e7e5", "g2g4", "d8h4")

	if a.Terminal.Kind != Checkmate {
		t.Fatalf("Kind = %q, want checkmate", a.Terminal.Kind)
	}
	if a.Terminal.Winner != game.Black {
		t.Errorf("Winner = %q, want black", a.Terminal.Winner)
	}
	if a.Move.SAN != "Qh4#" {
		t.Errorf("SAN = %q, want Qh4#", a.Move.SAN)
	}
}

func TestApply_AfterGameOver(t *testing.T) {
	a := applyAll(t, New(), "f2f3", "e7e5", "g2g4", "d8h4")
	if _, err := New().Apply(a.Position, "a2a3"); !errors.Is(err, ErrIllegalMove) {
		t.Errorf("error = %v, want ErrIllegalMove", err)
	}
}

func TestApply_Stalemate(t *testing.T) {
	a, err := New().Apply("7k/8/6K1/5Q2/8/8/8/8 w - - 0 1", "f5f7")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if a.Terminal.Kind != Draw {
		t.Errorf("Kind = %q, want draw", a.Terminal.Kind)
	}
	if a.Terminal.Winner != "" {
		t.Errorf("Winner = %q, want empty", a.Terminal.Winner)
	}
}

func TestApply_Promotion(t *testing.T) {
	a, err := New().Apply("8/P6k/8/8/8/8/8/K7 w - - 0 1", "a7a8q")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if a.Move.Promotion != "q" {
		t.Errorf("Promotion = %q, want q", a.Move.Promotion)
	}
	if a.Move.SAN != "a8=Q" {
		t.Errorf("SAN = %q, want a8=Q", a.Move.SAN)
	}
}

func TestTerminal(t *testing.T) {
	e := New()

	term, err := e.Terminal(startFEN)
	if err != nil {
		t.Fatalf("Terminal: %v", err)
	}
	if term.IsTerminal() {
		t.Errorf("start position terminal: %+v", term)
	}

	term, err = e.Terminal("7k/5Q2/6K1/8/8/8/8/8 b - - 0 1")
	if err != nil {
		t.Fatalf("Terminal: %v", err)
	}
	if term.Kind != Draw {
		t.Errorf("Kind = %q, want draw", term.Kind)
	}
}

func TestSideToMove(t *testing.T) {
	e := New()
	c, err := e.SideToMove("7k/5Q2/6K1/8/8/8/8/8 b - - 0 1")
	if err != nil {
		t.Fatalf("SideToMove: %v", err)
	}
	if c != game.Black {
		t.Errorf("SideToMove = %q, want black", c)
	}
}

func TestLegalMoves(t *testing.T) {
	moves, err := New().LegalMoves(startFEN)
	if err != nil {
		t.Fatalf("LegalMoves: %v", err)
	}
	if len(moves) != 20 {
		t.Errorf("len(moves) = %d, want 20", len(moves))
	}

	// White queen on d1 can capture the rook on d8.
	moves, err = New().LegalMoves("3r3k/8/8/8/8/8/8/3Q3K w - - 0 1")
	if err != nil {
		t.Fatalf("LegalMoves: %v", err)
	}
	var found bool
	for _, m := range moves {
		if m.UCI == "d1d8" {
			found = true
			if !m.Capture || m.Captured != 5 {
				t.Errorf("d1d8 = %+v, want capture of value 5", m)
			}
		}
	}
	if !found {
		t.Error("d1d8 not among legal moves")
	}
}
