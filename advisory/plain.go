package advisory

import (
	"context"
	"fmt"
	"strings"

	"github.com/gambit/server/rules"
)

// Plain describes a move from its notation alone. It is used when no
// advisory endpoint is configured.
type Plain struct {
	rules rules.Engine
}

func NewPlain(re rules.Engine) *Plain {
	return &Plain{rules: re}
}

func (p *Plain) Comment(ctx context.Context, position, san string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	side, err := p.rules.SideToMove(position)
	if err != nil {
		return "", err
	}
	mover := side.Opposite()

	var b strings.Builder
	switch {
	case strings.HasPrefix(san, "O-O-O"):
		fmt.Fprintf(&b, "%s castles queenside.", title(string(mover)))
	case strings.HasPrefix(san, "O-O"):
		fmt.Fprintf(&b, "%s castles kingside.", title(string(mover)))
	case strings.Contains(san, "x"):
		fmt.Fprintf(&b, "%s captures with %s.", title(string(mover)), san)
	default:
		fmt.Fprintf(&b, "%s plays %s.", title(string(mover)), san)
	}
	if strings.Contains(san, "=") {
		b.WriteString(" A pawn is promoted.")
	}
	switch {
	case strings.HasSuffix(san, "#"):
		b.WriteString(" Checkmate.")
	case strings.HasSuffix(san, "+"):
		fmt.Fprintf(&b, " %s is in check.", title(string(side)))
	default:
		if t, err := p.rules.Terminal(position); err == nil && t.Kind == rules.Draw {
			fmt.Fprintf(&b, " The game is drawn by %s.", strings.ToLower(t.Method))
		}
	}
	return b.String(), nil
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
