package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/siliconcrew/rtlagent/pkg/synth"
)

func (s *Server) handleStartSynthesis(c *gin.Context) {
	id := c.Param("id")
	ws, err := s.sessions.Workspace(id)
	if err != nil {
		fail(c, err)
		return
	}

	var req struct {
		TopModule     string   `json:"top_module" binding:"required"`
		VerilogFiles  []string `json:"verilog_files" binding:"required"`
		ClockPeriodNS float64  `json:"clock_period_ns"`
		Utilization   int      `json:"utilization"`
		AspectRatio   float64  `json:"aspect_ratio"`
		CoreMargin    float64  `json:"core_margin"`
		Override      string   `json:"override"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": CodeBadArgs, "error": err.Error()})
		return
	}

	runID, err := s.supervisor.Start(id, ws, synth.StartParams{
		TopModule:     req.TopModule,
		VerilogFiles:  req.VerilogFiles,
		ClockPeriodNS: req.ClockPeriodNS,
		Utilization:   req.Utilization,
		AspectRatio:   req.AspectRatio,
		CoreMargin:    req.CoreMargin,
		Override:      req.Override,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "state": synth.StateQueued})
}

func (s *Server) handleJobStatus(c *gin.Context) {
	st, err := s.supervisor.Status(c.Param("runId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleJobWait(c *gin.Context) {
	var req struct {
		MaxWaitSec int `json:"max_wait_sec"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.MaxWaitSec <= 0 {
		req.MaxWaitSec = 60
	}

	st, err := s.supervisor.Wait(c.Request.Context(), c.Param("runId"), time.Duration(req.MaxWaitSec)*time.Second)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleJobCancel(c *gin.Context) {
	if err := s.supervisor.Cancel(c.Param("runId")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": c.Param("runId"), "state": synth.StateCancelled})
}

func (s *Server) handleJobMetrics(c *gin.Context) {
	ws, err := s.sessions.Workspace(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	ppa, err := s.supervisor.Metrics(ws, c.Param("runId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": c.Param("runId"), "metrics": ppa, "missing": ppa.Missing()})
}
