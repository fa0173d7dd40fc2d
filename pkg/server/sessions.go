package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type sessionResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Model        string  `json:"model,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.sessions.List()
	if err != nil {
		fail(c, err)
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, m := range sessions {
		out = append(out, sessionResponse{
			ID:           m.ID,
			Name:         m.Name,
			Model:        m.Model,
			CreatedAt:    m.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			UpdatedAt:    m.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
			InputTokens:  m.InputTokens,
			OutputTokens: m.OutputTokens,
			TotalTokens:  m.InputTokens + m.OutputTokens,
			TotalCost:    m.Cost,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req struct {
		Name  string `json:"name" binding:"required"`
		Model string `json:"model"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": CodeBadArgs, "error": err.Error()})
		return
	}
	if req.Model == "" {
		req.Model = s.cfg.Model.ID
	}

	meta, err := s.sessions.Create(req.Name, req.Model)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionResponse{
		ID:        meta.ID,
		Name:      meta.Name,
		Model:     meta.Model,
		CreatedAt: meta.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt: meta.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	meta, err := s.sessions.Open(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{
		ID:           meta.ID,
		Name:         meta.Name,
		Model:        meta.Model,
		CreatedAt:    meta.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:    meta.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		InputTokens:  meta.InputTokens,
		OutputTokens: meta.OutputTokens,
		TotalTokens:  meta.InputTokens + meta.OutputTokens,
		TotalCost:    meta.Cost,
	})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.sessions.Delete(id); err != nil {
		fail(c, err)
		return
	}

	s.mu.Lock()
	delete(s.filters, id)
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"status": "deleted", "session_id": id})
}
