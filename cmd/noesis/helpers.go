package main

import (
	"fmt"

	"noesis/internal/calibration"
	"noesis/internal/persist"
	"noesis/internal/phase"
	"noesis/internal/store"
	"noesis/internal/trust"
	"noesis/internal/txn"
	"noesis/internal/workspace"
)

// runtime is the wired service graph for one command invocation.
type runtime struct {
	ws      *workspace.Workspace
	adapter *persist.Adapter
	manager *txn.Manager
	engine  *calibration.Engine
	gate    *trust.Gate
	machine *phase.Machine
}

// openRuntime discovers the workspace and wires the stack. Side sinks
// (journal, audit log) are opened only when asked for: the journal holds a
// directory lock, and read-only commands must not contend with a running
// server for it.
func openRuntime(withSideSinks bool) (*runtime, error) {
	ws, err := workspace.Discover(rootFlags.workspace)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ws.DBPath())
	if err != nil {
		return nil, err
	}

	var journal *persist.Journal
	var audit *persist.Audit
	if withSideSinks {
		journal, err = persist.OpenJournal(ws.JournalPath())
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		audit, err = persist.OpenAudit(ws.AuditPath())
		if err != nil {
			_ = journal.Close()
			_ = st.Close()
			return nil, err
		}
	}

	adapter := persist.NewAdapter(st, journal, audit)
	manager := txn.NewManager(adapter)
	manager.RecordPath = func(string) string { return ws.RecordPath() }

	engine := calibration.NewEngine(adapter, ws.Config.CalibrationWindow)
	gate := trust.NewGate(adapter, engine)
	gate.TTL = ws.Config.TrustTTL()
	gate.KnowledgeBase = ws.Config.KnowledgeThreshold
	gate.UncertaintyBase = ws.Config.UncertaintyCeiling
	gate.AutonomyFactor = ws.Config.AutonomyFactor

	return &runtime{
		ws:      ws,
		adapter: adapter,
		manager: manager,
		engine:  engine,
		gate:    gate,
		machine: phase.NewMachine(manager, engine, gate, adapter),
	}, nil
}

func (r *runtime) close() {
	if err := r.adapter.Close(); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "close:", err)
	}
}
