package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"github.com/siliconcrew/rtlagent/pkg/workspace"
)

func (s *Server) workspaceOf(c *gin.Context) (*workspace.Store, bool) {
	ws, err := s.sessions.Workspace(c.Param("id"))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return ws, true
}

func (s *Server) handleListFiles(c *gin.Context) {
	ws, ok := s.workspaceOf(c)
	if !ok {
		return
	}
	entries, err := ws.List("")
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleGetSpec(c *gin.Context) {
	ws, ok := s.workspaceOf(c)
	if !ok {
		return
	}
	rel := ws.Latest("_spec.yaml")
	if rel == "" {
		c.JSON(http.StatusNotFound, gin.H{"code": CodeNotFound, "error": "no spec files found"})
		return
	}
	data, err := ws.Read(rel)
	if err != nil {
		fail(c, err)
		return
	}

	var parsed any
	_ = yaml.Unmarshal(data, &parsed)
	c.JSON(http.StatusOK, gin.H{
		"filename": rel,
		"content":  string(data),
		"parsed":   parsed,
	})
}

type codeFile struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Language string `json:"language"`
}

func languageOf(name string) string {
	if strings.HasSuffix(name, ".sv") {
		return "systemverilog"
	}
	return "verilog"
}

func (s *Server) handleListCode(c *gin.Context) {
	ws, ok := s.workspaceOf(c)
	if !ok {
		return
	}
	entries, err := ws.List("")
	if err != nil {
		fail(c, err)
		return
	}

	var out []codeFile
	for _, e := range entries {
		if e.Type != workspace.TypeVerilog && e.Type != workspace.TypeTestbench {
			continue
		}
		data, err := ws.Read(e.Rel)
		if err != nil {
			continue
		}
		out = append(out, codeFile{Filename: e.Rel, Content: string(data), Language: languageOf(e.Rel)})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetCode(c *gin.Context) {
	ws, ok := s.workspaceOf(c)
	if !ok {
		return
	}
	name := c.Param("filename")
	data, err := ws.Read(name)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, codeFile{Filename: name, Content: string(data), Language: languageOf(name)})
}

func (s *Server) listByType(c *gin.Context, want workspace.FileType) {
	ws, ok := s.workspaceOf(c)
	if !ok {
		return
	}
	entries, err := ws.List("")
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]string, 0)
	for _, e := range entries {
		if e.Type == want {
			out = append(out, e.Rel)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleListWaveforms(c *gin.Context)  { s.listByType(c, workspace.TypeWaveform) }
func (s *Server) handleListSchematics(c *gin.Context) { s.listByType(c, workspace.TypeSchematic) }
func (s *Server) handleListLayouts(c *gin.Context)    { s.listByType(c, workspace.TypeLayout) }

func (s *Server) handleGetReport(c *gin.Context) {
	ws, ok := s.workspaceOf(c)
	if !ok {
		return
	}
	rel := ws.Latest("_report.md")
	if rel == "" {
		c.JSON(http.StatusNotFound, gin.H{"code": CodeNotFound, "error": "no report found"})
		return
	}
	data, err := ws.Read(rel)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"filename": rel, "content": string(data)})
}

func (s *Server) handleGenerateReport(c *gin.Context) {
	env, err := s.env(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	res := s.executor.Execute(c.Request.Context(), env, "rest-"+c.Param("id"), "generate_report_tool", map[string]any{})
	if res.IsError() {
		c.JSON(http.StatusInternalServerError, gin.H{"code": CodeInternal, "error": res.Payload})
		return
	}

	rel := env.Workspace.Latest("_report.md")
	data, _ := env.Workspace.Read(rel)
	c.JSON(http.StatusOK, gin.H{"filename": rel, "content": string(data)})
}

func (s *Server) handleGetFile(c *gin.Context) {
	ws, ok := s.workspaceOf(c)
	if !ok {
		return
	}
	rel := strings.TrimPrefix(c.Param("path"), "/")
	data, err := ws.Read(rel)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"filename": rel, "content": string(data)})
}
