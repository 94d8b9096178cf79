package mcp

import (
	"encoding/json"
	"errors"

	"github.com/gambit/server/game"
	"github.com/gambit/server/rules"
	"github.com/mark3labs/mcp-go/mcp"
)

type ErrorCode string

const (
	ErrNotFound       ErrorCode = "not_found"
	ErrNotJoinable    ErrorCode = "not_joinable"
	ErrSelfJoin       ErrorCode = "self_join"
	ErrNotActive      ErrorCode = "not_active"
	ErrNotParticipant ErrorCode = "not_participant"
	ErrValidation     ErrorCode = "validation"
	ErrInternal       ErrorCode = "internal"
)

type ToolError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e ToolError) ToResult() *mcp.CallToolResult {
	data, _ := json.Marshal(e)
	return mcp.NewToolResultError(string(data))
}

func NotFound(resource, id string) *mcp.CallToolResult {
	return ToolError{
		Code:    ErrNotFound,
		Message: resource + " not found",
		Details: map[string]any{resource + "_id": id},
	}.ToResult()
}

func ValidationError(msg string) *mcp.CallToolResult {
	return ToolError{
		Code:    ErrValidation,
		Message: msg,
	}.ToResult()
}

func InternalError(err error) *mcp.CallToolResult {
	return ToolError{
		Code:    ErrInternal,
		Message: err.Error(),
	}.ToResult()
}

// GameError converts a registry or host error for sessionID into a tool
// error result.
func GameError(sessionID string, err error) *mcp.CallToolResult {
	var code ErrorCode
	switch {
	case errors.Is(err, game.ErrSessionNotFound):
		return NotFound("session", sessionID)
	case errors.Is(err, game.ErrSessionNotJoinable):
		code = ErrNotJoinable
	case errors.Is(err, game.ErrSelfJoinRejected):
		code = ErrSelfJoin
	case errors.Is(err, game.ErrSessionNotActive):
		code = ErrNotActive
	case errors.Is(err, game.ErrNotParticipant):
		code = ErrNotParticipant
	case errors.Is(err, game.ErrInvalidSession), errors.Is(err, rules.ErrInvalidPosition):
		return ValidationError(err.Error())
	default:
		return InternalError(err)
	}
	return ToolError{
		Code:    code,
		Message: err.Error(),
		Details: map[string]any{"session_id": sessionID},
	}.ToResult()
}
