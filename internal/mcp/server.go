// Package mcp exposes the governance operations as MCP tools over stdio.
// Handlers validate at the boundary and delegate; rationale and findings are
// opaque payload, never interpreted here.
package mcp

import (
	"context"
	"fmt"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"noesis/internal/epistemic"
	"noesis/internal/evidence"
	"noesis/internal/phase"
	"noesis/internal/store"
	"noesis/internal/trust"
	"noesis/internal/txn"
	"noesis/internal/workspace"
)

// Server wraps the MCP SDK server around the phase machine.
type Server struct {
	MCPServer *sdkmcp.Server

	machine   *phase.Machine
	manager   *txn.Manager
	gate      *trust.Gate
	workspace *workspace.Workspace
}

// NewServer creates the MCP server and registers the governance tools. The
// workspace supplies the default project identity when a tool call does not
// name one.
func NewServer(m *phase.Machine, mgr *txn.Manager, g *trust.Gate, ws *workspace.Workspace) *Server {
	s := &Server{
		machine:   m,
		manager:   mgr,
		gate:      g,
		workspace: ws,
	}
	s.MCPServer = sdkmcp.NewServer(
		&sdkmcp.Implementation{Name: "noesis", Version: "dev"},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves the MCP protocol over stdio until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	return s.MCPServer.Run(ctx, &sdkmcp.StdioTransport{})
}

func (s *Server) registerTools() {
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "submit_preflight",
		Description: "Declare the epistemic baseline and open (or resume) the project's transaction. Idempotent: a second preflight joins the session and returns the existing baseline.",
	}, s.handleSubmitPreflight)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "evaluate_check",
		Description: "Submit a CHECK self-assessment at the investigate/act boundary. Returns proceed or investigate with the applied thresholds.",
	}, s.handleEvaluateCheck)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "submit_postflight",
		Description: "Submit the final self-report and close the transaction. Requires a passed CHECK; optionally runs grounded verification from an evidence payload.",
	}, s.handleSubmitPostflight)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "submit_evidence",
		Description: "Submit external evidence (test results, artifacts, diff stats) for grounded verification of a transaction's self-reports. Accepted after close.",
	}, s.handleSubmitEvidence)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_status",
		Description: "Resolve the current transaction and return its status and assessment history.",
	}, s.handleGetStatus)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_trust",
		Description: "Return the derived trust state and adapted thresholds for an agent in a domain.",
	}, s.handleGetTrust)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "list_orphans",
		Description: "List open transactions older than the orphan cutoff. Read-only: closing an orphan is an explicit operator action.",
	}, s.handleListOrphans)
}

// --- Tool input/output types ---

type transactionInfo struct {
	TransactionID string   `json:"transaction_id"`
	ProjectID     string   `json:"project_id"`
	AgentID       string   `json:"agent_id"`
	Status        string   `json:"status"`
	Sessions      []string `json:"sessions"`
	OpenedAt      string   `json:"opened_at"`
	ClosedAt      string   `json:"closed_at,omitempty"`
	CloseReason   string   `json:"close_reason,omitempty"`
}

func toInfo(t *store.Transaction) transactionInfo {
	info := transactionInfo{
		TransactionID: t.ID,
		ProjectID:     t.ProjectID,
		AgentID:       t.AgentID,
		Status:        t.Status,
		Sessions:      t.Sessions,
		OpenedAt:      t.OpenedAt.Format(time.RFC3339),
		CloseReason:   t.CloseReason,
	}
	if !t.ClosedAt.IsZero() {
		info.ClosedAt = t.ClosedAt.Format(time.RFC3339)
	}
	return info
}

type submitPreflightInput struct {
	AgentID     string             `json:"agent_id" jsonschema:"stable agent identity"`
	SessionID   string             `json:"session_id" jsonschema:"current session id"`
	ProjectPath string             `json:"project_path,omitempty" jsonschema:"project root (defaults to the server's workspace)"`
	Domain      string             `json:"domain,omitempty" jsonschema:"trust domain (defaults to the project path)"`
	Vector      map[string]float64 `json:"vector" jsonschema:"full epistemic vector: all twelve tier dimensions plus uncertainty, each in [0,1]"`
	Rationale   string             `json:"rationale,omitempty" jsonschema:"free-text justification, stored verbatim"`
}

type submitPreflightOutput struct {
	Transaction transactionInfo `json:"transaction"`
	Resumed     bool            `json:"resumed"`
}

type evaluateCheckInput struct {
	TransactionID string             `json:"transaction_id,omitempty" jsonschema:"explicit transaction id (optional)"`
	AgentID       string             `json:"agent_id,omitempty" jsonschema:"agent identity for project-scoped resolution"`
	SessionID     string             `json:"session_id" jsonschema:"current session id"`
	ProjectPath   string             `json:"project_path,omitempty" jsonschema:"project root (defaults to the server's workspace)"`
	Vector        map[string]float64 `json:"vector" jsonschema:"full epistemic vector"`
	Findings      []string           `json:"findings,omitempty" jsonschema:"what investigation established"`
	Unknowns      []string           `json:"unknowns,omitempty" jsonschema:"what remains unknown"`
	Rationale     string             `json:"rationale,omitempty"`
}

type evaluateCheckOutput struct {
	TransactionID      string   `json:"transaction_id"`
	Round              int      `json:"round"`
	Decision           string   `json:"decision"`
	Reasons            []string `json:"reasons,omitempty"`
	KnowledgeThreshold float64  `json:"knowledge_threshold"`
	UncertaintyCeiling float64  `json:"uncertainty_ceiling"`
	BiasCorrection     float64  `json:"bias_correction"`
	EffectiveKnowledge float64  `json:"effective_knowledge"`
	Mode               string   `json:"mode"`
}

type submitPostflightInput struct {
	TransactionID string             `json:"transaction_id,omitempty" jsonschema:"explicit transaction id (optional)"`
	AgentID       string             `json:"agent_id,omitempty" jsonschema:"agent identity for project-scoped resolution"`
	SessionID     string             `json:"session_id" jsonschema:"current session id"`
	ProjectPath   string             `json:"project_path,omitempty" jsonschema:"project root (defaults to the server's workspace)"`
	Vector        map[string]float64 `json:"vector" jsonschema:"final epistemic vector"`
	Rationale     string             `json:"rationale,omitempty"`
	EvidenceJSON  string             `json:"evidence_json,omitempty" jsonschema:"optional evidence payload for grounded verification"`
}

type submitPostflightOutput struct {
	Transaction     transactionInfo    `json:"transaction"`
	SelfReferential map[string]float64 `json:"self_referential_delta"`
	Grounded        map[string]float64 `json:"grounded_divergence,omitempty"`
}

type submitEvidenceInput struct {
	TransactionID string `json:"transaction_id" jsonschema:"transaction to ground"`
	EvidenceJSON  string `json:"evidence_json" jsonschema:"evidence payload: test_pass_ratio, artifact_ratio, goal_completion_ratio, diff_stats"`
}

type submitEvidenceOutput struct {
	TransactionID string             `json:"transaction_id"`
	Divergence    map[string]float64 `json:"grounded_divergence"`
}

type getStatusInput struct {
	TransactionID string `json:"transaction_id,omitempty" jsonschema:"explicit transaction id (optional)"`
	SessionID     string `json:"session_id,omitempty" jsonschema:"session whose active transaction to resolve"`
	AgentID       string `json:"agent_id,omitempty" jsonschema:"agent identity for project-scoped resolution"`
	ProjectPath   string `json:"project_path,omitempty" jsonschema:"project root (defaults to the server's workspace)"`
}

type assessmentInfo struct {
	Phase     string   `json:"phase"`
	Round     int      `json:"round"`
	Decision  string   `json:"decision,omitempty"`
	Timestamp string   `json:"timestamp"`
	Findings  []string `json:"findings,omitempty"`
	Unknowns  []string `json:"unknowns,omitempty"`
}

type getStatusOutput struct {
	Transaction transactionInfo  `json:"transaction"`
	History     []assessmentInfo `json:"history"`
}

type getTrustInput struct {
	AgentID string `json:"agent_id" jsonschema:"agent identity"`
	Domain  string `json:"domain,omitempty" jsonschema:"trust domain (defaults to the server's workspace project)"`
}

type getTrustOutput struct {
	Score              float64 `json:"score"`
	Mode               string  `json:"mode"`
	Accuracy           float64 `json:"accuracy"`
	SuggestionSuccess  float64 `json:"suggestion_success"`
	MistakePenalty     float64 `json:"mistake_penalty"`
	RecentMistakes     int     `json:"recent_mistakes"`
	KnowledgeThreshold float64 `json:"knowledge_threshold"`
	UncertaintyCeiling float64 `json:"uncertainty_ceiling"`
}

type listOrphansInput struct {
	MaxAgeHours int `json:"max_age_hours,omitempty" jsonschema:"orphan cutoff in hours (default 48)"`
}

type listOrphansOutput struct {
	Orphans []transactionInfo `json:"orphans"`
	Count   int               `json:"count"`
}

// --- Tool handlers ---

func (s *Server) projectOr(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return s.workspace.ProjectID()
}

func (s *Server) handleSubmitPreflight(ctx context.Context, _ *sdkmcp.CallToolRequest, input submitPreflightInput) (*sdkmcp.CallToolResult, submitPreflightOutput, error) {
	vec, err := epistemic.FromMap(input.Vector)
	if err != nil {
		return nil, submitPreflightOutput{}, err
	}
	res, err := s.machine.SubmitPreflight(ctx, phase.PreflightRequest{
		ProjectID: s.projectOr(input.ProjectPath),
		AgentID:   input.AgentID,
		Domain:    input.Domain,
		SessionID: input.SessionID,
		Vector:    vec,
		Rationale: input.Rationale,
	})
	if err != nil {
		return nil, submitPreflightOutput{}, err
	}
	return nil, submitPreflightOutput{
		Transaction: toInfo(res.Transaction),
		Resumed:     res.Resumed,
	}, nil
}

func (s *Server) handleEvaluateCheck(ctx context.Context, _ *sdkmcp.CallToolRequest, input evaluateCheckInput) (*sdkmcp.CallToolResult, evaluateCheckOutput, error) {
	vec, err := epistemic.FromMap(input.Vector)
	if err != nil {
		return nil, evaluateCheckOutput{}, err
	}
	res, err := s.machine.EvaluateCheck(ctx, phase.CheckRequest{
		Resolve: txn.ResolveParams{
			ExplicitID: input.TransactionID,
			SessionID:  input.SessionID,
			ProjectID:  s.projectOr(input.ProjectPath),
			AgentID:    input.AgentID,
		},
		SessionID: input.SessionID,
		Vector:    vec,
		Findings:  input.Findings,
		Unknowns:  input.Unknowns,
		Rationale: input.Rationale,
	})
	if err != nil {
		return nil, evaluateCheckOutput{}, err
	}
	return nil, evaluateCheckOutput{
		TransactionID:      res.Transaction.ID,
		Round:              res.Round,
		Decision:           string(res.Decision),
		Reasons:            res.Reasons,
		KnowledgeThreshold: res.Thresholds.Knowledge,
		UncertaintyCeiling: res.Thresholds.UncertaintyCeiling,
		BiasCorrection:     res.BiasCorrection,
		EffectiveKnowledge: res.EffectiveKnowledge,
		Mode:               res.Thresholds.Mode,
	}, nil
}

func (s *Server) handleSubmitPostflight(ctx context.Context, _ *sdkmcp.CallToolRequest, input submitPostflightInput) (*sdkmcp.CallToolResult, submitPostflightOutput, error) {
	vec, err := epistemic.FromMap(input.Vector)
	if err != nil {
		return nil, submitPostflightOutput{}, err
	}
	req := phase.PostflightRequest{
		Resolve: txn.ResolveParams{
			ExplicitID: input.TransactionID,
			SessionID:  input.SessionID,
			ProjectID:  s.projectOr(input.ProjectPath),
			AgentID:    input.AgentID,
		},
		SessionID: input.SessionID,
		Vector:    vec,
		Rationale: input.Rationale,
	}
	if input.EvidenceJSON != "" {
		ev, err := evidence.Parse([]byte(input.EvidenceJSON))
		if err != nil {
			return nil, submitPostflightOutput{}, err
		}
		req.Evidence = ev
	}
	res, err := s.machine.SubmitPostflight(ctx, req)
	if err != nil {
		return nil, submitPostflightOutput{}, err
	}
	out := submitPostflightOutput{
		Transaction:     toInfo(res.Transaction),
		SelfReferential: deltaMap(res.SelfReferential.Divergence),
	}
	if res.Grounded != nil {
		out.Grounded = deltaMap(res.Grounded.Divergence)
	}
	return nil, out, nil
}

func (s *Server) handleSubmitEvidence(ctx context.Context, _ *sdkmcp.CallToolRequest, input submitEvidenceInput) (*sdkmcp.CallToolResult, submitEvidenceOutput, error) {
	if input.TransactionID == "" {
		return nil, submitEvidenceOutput{}, fmt.Errorf("transaction_id is required")
	}
	ev, err := evidence.Parse([]byte(input.EvidenceJSON))
	if err != nil {
		return nil, submitEvidenceOutput{}, err
	}
	rec, err := s.machine.SubmitEvidence(ctx, input.TransactionID, ev)
	if err != nil {
		return nil, submitEvidenceOutput{}, err
	}
	return nil, submitEvidenceOutput{
		TransactionID: input.TransactionID,
		Divergence:    deltaMap(rec.Divergence),
	}, nil
}

func (s *Server) handleGetStatus(ctx context.Context, _ *sdkmcp.CallToolRequest, input getStatusInput) (*sdkmcp.CallToolResult, getStatusOutput, error) {
	tx, history, err := s.machine.Status(ctx, txn.ResolveParams{
		ExplicitID: input.TransactionID,
		SessionID:  input.SessionID,
		ProjectID:  s.projectOr(input.ProjectPath),
		AgentID:    input.AgentID,
	})
	if err != nil {
		return nil, getStatusOutput{}, err
	}
	out := getStatusOutput{Transaction: toInfo(tx)}
	for _, a := range history {
		out.History = append(out.History, assessmentInfo{
			Phase:     string(a.Phase),
			Round:     a.Round,
			Decision:  string(a.Decision),
			Timestamp: a.Timestamp.Format(time.RFC3339),
			Findings:  a.Findings,
			Unknowns:  a.Unknowns,
		})
	}
	return nil, out, nil
}

func (s *Server) handleGetTrust(ctx context.Context, _ *sdkmcp.CallToolRequest, input getTrustInput) (*sdkmcp.CallToolResult, getTrustOutput, error) {
	if input.AgentID == "" {
		return nil, getTrustOutput{}, fmt.Errorf("agent_id is required")
	}
	domain := input.Domain
	if domain == "" {
		domain = s.workspace.ProjectID()
	}
	t, err := s.gate.DomainTrust(ctx, input.AgentID, domain)
	if err != nil {
		return nil, getTrustOutput{}, err
	}
	th, err := s.gate.Thresholds(ctx, input.AgentID, domain)
	if err != nil {
		return nil, getTrustOutput{}, err
	}
	return nil, getTrustOutput{
		Score:              t.Score,
		Mode:               t.Mode,
		Accuracy:           t.Accuracy,
		SuggestionSuccess:  t.SuggestionSuccess,
		MistakePenalty:     t.MistakePenalty,
		RecentMistakes:     t.RecentMistakes,
		KnowledgeThreshold: th.Knowledge,
		UncertaintyCeiling: th.UncertaintyCeiling,
	}, nil
}

func (s *Server) handleListOrphans(ctx context.Context, _ *sdkmcp.CallToolRequest, input listOrphansInput) (*sdkmcp.CallToolResult, listOrphansOutput, error) {
	maxAge := time.Duration(input.MaxAgeHours) * time.Hour
	orphans, err := s.manager.DetectOrphans(ctx, maxAge)
	if err != nil {
		return nil, listOrphansOutput{}, err
	}
	out := listOrphansOutput{Count: len(orphans)}
	for _, tx := range orphans {
		out.Orphans = append(out.Orphans, toInfo(tx))
	}
	return nil, out, nil
}

func deltaMap(d epistemic.Delta) map[string]float64 {
	m := make(map[string]float64, len(d))
	for dim, v := range d {
		m[string(dim)] = v
	}
	return m
}
