// Package rpc defines JSON-RPC 2.0 wire format types for WebSocket communication.
// These types represent the params and result structures for all RPC methods.
package rpc

import (
	"github.com/gambit/server/advisory"
	"github.com/gambit/server/game"
	"github.com/gambit/server/session"
)

// Error data codes carried in jsonrpc2.Error.Data so clients can branch
// without parsing messages.
const (
	CodeNotFound       = "not_found"
	CodeNotJoinable    = "not_joinable"
	CodeSelfJoin       = "self_join"
	CodeNotActive      = "not_active"
	CodeNotParticipant = "not_participant"
	CodeValidation     = "validation"
)

type ErrorData struct {
	Code string `json:"code"`
}

// Client → Server

type AuthParams struct {
	Token  string      `json:"token"`
	Player game.Player `json:"player"`
}

type AuthResult struct {
	Version  string `json:"version"`
	PlayerID string `json:"player_id"`
}

type CreateAutomatedParams struct {
	Difficulty game.Difficulty `json:"difficulty"`
}

type CreateResult struct {
	SessionID string `json:"session_id"`
}

type SessionParams struct {
	SessionID string `json:"session_id"`
}

type ListOpenParams struct {
	Limit int `json:"limit,omitempty"`
}

type ListOpenResult struct {
	Sessions []game.Session `json:"sessions"`
}

type MoveParams struct {
	SessionID string `json:"session_id"`
	Move      string `json:"move"`
}

type MoveResult struct {
	Applied bool           `json:"applied"`
	Reason  session.Reason `json:"reason,omitempty"`
	Detail  string         `json:"detail,omitempty"`
	Session game.Session   `json:"session"`
}

type LegalMove struct {
	UCI     string `json:"uci"`
	SAN     string `json:"san"`
	Capture bool   `json:"capture,omitempty"`
	Check   bool   `json:"check,omitempty"`
}

type LegalMovesResult struct {
	Moves []LegalMove `json:"moves"`
}

// Subscriptions

type SubscribeResult struct {
	ID      string       `json:"id"`
	Session game.Session `json:"session"`
}

type UnsubscribeParams struct {
	ID string `json:"id"`
}

// Server → Client notifications

// ChangedParams is sent as game.changed with every newer snapshot.
type ChangedParams struct {
	ID      string       `json:"id"`
	Session game.Session `json:"session"`
}

// CommentaryParams is sent as game.commentary for each applied move.
type CommentaryParams struct {
	ID         string              `json:"id"`
	Commentary advisory.Commentary `json:"commentary"`
}
