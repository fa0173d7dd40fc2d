package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/siliconcrew/rtlagent/pkg/agent"
	"github.com/siliconcrew/rtlagent/pkg/run"
	"github.com/siliconcrew/rtlagent/pkg/session"
	"github.com/siliconcrew/rtlagent/pkg/synth"
	"github.com/siliconcrew/rtlagent/pkg/tools"
	"github.com/siliconcrew/rtlagent/pkg/workspace"
)

// Stable error codes exposed to clients.
const (
	CodeSessionNotFound     = "SessionNotFound"
	CodeSessionConflict     = "SessionConflict"
	CodeBadArgs             = "BadArgs"
	CodeToolNotVisible      = "ToolNotVisible"
	CodeToolMissing         = "ToolMissing"
	CodeTimeout             = "Timeout"
	CodeCancelled           = "Cancelled"
	CodeStepBudgetExhausted = "StepBudgetExhausted"
	CodeWorkspacePathEscape = "WorkspacePathEscape"
	CodeFileTooLarge        = "FileTooLarge"
	CodeNotFound            = "NotFound"
	CodeConflictNotFound    = "ConflictNotFound"
	CodeJobConflict         = "JobConflict"
	CodeJobStuck            = "JobStuck"
	CodeJobFailed           = "JobFailed"
	CodePersistenceError    = "PersistenceError"
	CodeInternal            = "Internal"
)

// classify maps a core error to its stable code and HTTP status.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return CodeSessionNotFound, http.StatusNotFound
	case errors.Is(err, session.ErrConflict):
		return CodeSessionConflict, http.StatusConflict
	case errors.Is(err, tools.ErrBadArgs):
		return CodeBadArgs, http.StatusBadRequest
	case errors.Is(err, tools.ErrToolNotVisible):
		return CodeToolNotVisible, http.StatusForbidden
	case errors.Is(err, run.ErrToolMissing):
		return CodeToolMissing, http.StatusServiceUnavailable
	case errors.Is(err, run.ErrTimeout):
		return CodeTimeout, http.StatusGatewayTimeout
	case errors.Is(err, run.ErrCancelled), errors.Is(err, agent.ErrCancelled):
		return CodeCancelled, http.StatusRequestTimeout
	case errors.Is(err, agent.ErrStepBudgetExhausted):
		return CodeStepBudgetExhausted, http.StatusTooManyRequests
	case errors.Is(err, workspace.ErrPathEscape):
		return CodeWorkspacePathEscape, http.StatusForbidden
	case errors.Is(err, workspace.ErrFileTooLarge):
		return CodeFileTooLarge, http.StatusRequestEntityTooLarge
	case errors.Is(err, workspace.ErrNotFound):
		return CodeNotFound, http.StatusNotFound
	case errors.Is(err, workspace.ErrConflictNotFound):
		return CodeConflictNotFound, http.StatusConflict
	case errors.Is(err, synth.ErrJobConflict):
		return CodeJobConflict, http.StatusConflict
	case errors.Is(err, synth.ErrJobNotFound):
		return CodeNotFound, http.StatusNotFound
	case errors.Is(err, synth.ErrJobStuck):
		return CodeJobStuck, http.StatusConflict
	case errors.Is(err, synth.ErrJobFailed):
		return CodeJobFailed, http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrPersistence):
		return CodePersistenceError, http.StatusInternalServerError
	default:
		return CodeInternal, http.StatusInternalServerError
	}
}

// fail writes a structured error response. Internal paths never leak: only
// the error's message text is exposed.
func fail(c *gin.Context, err error) {
	code, status := classify(err)
	c.JSON(status, gin.H{"code": code, "error": err.Error()})
}
