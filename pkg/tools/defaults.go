package tools

// NewDefaultRegistry builds the full catalog. Adding a tool here makes it
// visible to the agent loop, the MCP server and the REST transport at once.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	registerSpecTools(r)
	registerFileTools(r)
	registerEDATools(r)
	registerWaveformTool(r)
	registerSynthesisTools(r)
	registerReportTools(r)
	registerSessionTools(r)
	return r
}
