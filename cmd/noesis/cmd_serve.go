package main

import (
	"github.com/spf13/cobra"

	"noesis/internal/logging"
	mcpserver "noesis/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server over stdio",
	Long: `Starts an MCP server over stdin/stdout. Agent hosts connect and call the
governance tools (submit_preflight, evaluate_check, submit_postflight,
submit_evidence, get_status, get_trust, list_orphans) directly.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime(true)
	if err != nil {
		return err
	}
	defer rt.close()

	srv := mcpserver.NewServer(rt.machine, rt.manager, rt.gate, rt.ws)
	logging.New("mcp").Info("starting noesis MCP server over stdio",
		"workspace", rt.ws.Root, "db", rt.ws.DBPath())
	return srv.Run(cmd.Context())
}
