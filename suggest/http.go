package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gambit/server/game"
	"github.com/gambit/server/metrics"
)

const DefaultTimeout = 10 * time.Second

var depths = map[game.Difficulty]int{
	game.DifficultyEasy:   2,
	game.DifficultyMedium: 8,
	game.DifficultyHard:   14,
}

// Depth returns the search depth requested for d.
func Depth(d game.Difficulty) int {
	if n, ok := depths[d]; ok {
		return n
	}
	return depths[game.DifficultyMedium]
}

// HTTP asks a Stockfish-style REST API for the best move:
//
//	GET {base}?fen=<fen>&depth=<n>
//	{"success": true, "bestmove": "bestmove e2e4 ponder e7e5"}
type HTTP struct {
	baseURL    string
	httpClient *http.Client
	metrics    *metrics.Metrics
}

func NewHTTP(baseURL string, timeout time.Duration, m *metrics.Metrics) *HTTP {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTP{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		metrics: m,
	}
}

type engineResponse struct {
	Success  bool   `json:"success"`
	BestMove string `json:"bestmove"`
	Data     string `json:"data"`
}

func (h *HTTP) Suggest(ctx context.Context, position string, difficulty game.Difficulty) (string, error) {
	defer h.metrics.ObserveExternalCall("suggest", time.Now())

	q := url.Values{}
	q.Set("fen", position)
	q.Set("depth", strconv.Itoa(Depth(difficulty)))
	u := h.baseURL
	if strings.Contains(u, "?") {
		u += "&" + q.Encode()
	} else {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("unexpected status: %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out engineResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if !out.Success {
		return "", fmt.Errorf("engine refused position: %s", out.Data)
	}
	return parseBestMove(out.BestMove)
}

// parseBestMove extracts the move from a UCI "bestmove <move> [ponder <move>]"
// line. A bare move is accepted as well.
func parseBestMove(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) > 0 && fields[0] == "bestmove" {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return "", fmt.Errorf("malformed bestmove %q", line)
	}
	if fields[0] == "(none)" {
		return "", ErrNoMove
	}
	return fields[0], nil
}
