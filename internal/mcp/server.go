// Package mcp registers the core tribune tools on an MCP server, giving
// agent clients the same moderation surface as the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hazyhaar/tribune/internal/config"
	"github.com/hazyhaar/tribune/internal/consensus"
	"github.com/hazyhaar/tribune/internal/db"
	"github.com/hazyhaar/tribune/internal/route"
	"github.com/hazyhaar/tribune/pkg/audit"
	"github.com/hazyhaar/tribune/pkg/kit"
)

// Deps carries the components the tools need.
type Deps struct {
	DB         *db.DB
	Rewarder   *consensus.Rewarder
	Resolver   *consensus.Resolver
	Classifier consensus.Classifier
	Config     *config.Config
}

// NewServer creates an MCPServer with all core tribune tools registered.
func NewServer(deps Deps, auditLog audit.Logger) *server.MCPServer {
	srv := server.NewMCPServer(
		"tribune",
		"0.1.0",
		server.WithToolCapabilities(true),
	)

	registerSubmitContent(srv, deps, auditLog)
	registerRespondEvaluation(srv, deps, auditLog)
	registerGetConsensus(srv, deps)
	registerListPendingEvaluations(srv, deps)
	registerGetBalance(srv, deps)
	registerListSpotChecks(srv, deps)
	registerEconomyHealth(srv, deps)
	registerSetRollout(srv, deps, auditLog)

	return srv
}

// withUser tags the context with the acting agent for audit attribution. It
// must wrap outside the audit middleware so the middleware sees the value.
func withUser(next kit.Endpoint) kit.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		if r, ok := request.(interface{ userID() string }); ok && r.userID() != "" {
			ctx = kit.WithUserID(ctx, r.userID())
		}
		return next(ctx, request)
	}
}

// --- submit_content ---

func registerSubmitContent(srv *server.MCPServer, deps Deps, auditLog audit.Logger) {
	var endpoint kit.Endpoint = func(ctx context.Context, request any) (any, error) {
		r := request.(*submitContentReq)
		agent, err := deps.DB.GetAgentByID(r.AgentID)
		if err != nil {
			return nil, err
		}

		contentID := db.NewID()
		if _, err := deps.Rewarder.ChargeSubmission(ctx, agent.ID, contentID, r.SubmissionType); err != nil {
			return nil, err
		}
		sub, err := deps.DB.CreateSubmission(db.CreateSubmissionInput{
			ID:             contentID,
			SubmissionType: r.SubmissionType,
			Domain:         r.Domain,
			Content:        r.Content,
			AuthorID:       agent.ID,
			AuthorTier:     agent.TrustTier,
		})
		if err != nil {
			return nil, err
		}

		rolloutPct, err := deps.DB.GetSettingInt("rollout_pct", deps.Config.Consensus.DefaultRolloutPct)
		if err != nil {
			return nil, err
		}
		forcePeer, err := deps.DB.GetFlag("force_peer_review", false)
		if err != nil {
			return nil, err
		}
		decision := route.Pick(sub.ID, sub.AuthorTier, rolloutPct, forcePeer)
		if err := deps.DB.SetRoute(sub.ID, sub.SubmissionType, decision.Route, decision.Reason); err != nil {
			return nil, err
		}

		switch decision.Route {
		case route.RouteLayerB:
			if deps.Classifier != nil {
				if result, err := deps.Classifier.Evaluate(ctx, sub.Content, sub.Domain); err == nil {
					_ = deps.DB.SetAutoResult(sub.ID, sub.SubmissionType, result.Decision, result.Score)
				}
			}
		case route.RoutePeerConsensus:
			payload, _ := json.Marshal(consensus.FollowUpPayload{
				SubmissionID:   sub.ID,
				SubmissionType: sub.SubmissionType,
			})
			key := "assign:" + sub.ID + ":" + sub.SubmissionType
			if _, _, err := deps.DB.EnqueueJob(ctx, "peer_assign", string(payload), key, time.Now().UTC(), 5); err != nil {
				return nil, err
			}
		}
		return deps.DB.GetSubmission(sub.ID, sub.SubmissionType)
	}
	if auditLog != nil {
		endpoint = audit.Middleware(auditLog, "submit_content")(endpoint)
	}
	endpoint = withUser(endpoint)

	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent_id":        map[string]string{"type": "string", "description": "Submitting agent ID"},
			"submission_type": map[string]string{"type": "string", "description": "One of: problem, solution, debate, mission"},
			"domain":          map[string]string{"type": "string", "description": "Content domain (e.g. general, security, finance)"},
			"content":         map[string]string{"type": "string", "description": "The content to moderate"},
		},
		"required": []string{"agent_id", "submission_type", "content"},
	})
	tool := mcp.NewToolWithRawSchema("submit_content", "Submit content for moderation (classifier fast path or peer consensus)", schema)

	kit.RegisterMCPTool(srv, tool, endpoint, func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		args := req.GetArguments()
		return &kit.MCPDecodeResult{Request: &submitContentReq{
			AgentID:        stringArg(args, "agent_id"),
			SubmissionType: stringArg(args, "submission_type"),
			Domain:         stringArg(args, "domain"),
			Content:        stringArg(args, "content"),
		}}, nil
	})
}

type submitContentReq struct {
	AgentID        string `json:"agent_id"`
	SubmissionType string `json:"submission_type"`
	Domain         string `json:"domain"`
	Content        string `json:"content"`
}

func (r *submitContentReq) userID() string { return r.AgentID }

// --- respond_evaluation ---

func registerRespondEvaluation(srv *server.MCPServer, deps Deps, auditLog audit.Logger) {
	var endpoint kit.Endpoint = func(ctx context.Context, request any) (any, error) {
		r := request.(*respondReq)
		ev, err := deps.DB.GetEvaluation(r.EvaluationID)
		if err != nil {
			return nil, err
		}
		if ev.AgentID != r.AgentID {
			return nil, fmt.Errorf("evaluation belongs to another validator")
		}
		completed, err := deps.DB.CompleteEvaluation(r.EvaluationID, r.Verdict, r.Confidence)
		if err != nil {
			return nil, err
		}
		result, err := deps.Resolver.CheckQuorum(ctx, ev.SubmissionID, ev.SubmissionType)
		if err != nil {
			return nil, err
		}
		return map[string]any{"evaluation": completed, "consensus": result}, nil
	}
	if auditLog != nil {
		endpoint = audit.Middleware(auditLog, "respond_evaluation")(endpoint)
	}
	endpoint = withUser(endpoint)

	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"evaluation_id": map[string]string{"type": "string", "description": "Pending evaluation ID"},
			"agent_id":      map[string]string{"type": "string", "description": "Responding validator's agent ID"},
			"verdict":       map[string]string{"type": "string", "description": "One of: approve, reject, flag"},
			"confidence":    map[string]any{"type": "number", "description": "0.0-1.0 confidence in the verdict"},
		},
		"required": []string{"evaluation_id", "agent_id", "verdict"},
	})
	tool := mcp.NewToolWithRawSchema("respond_evaluation", "Submit a verdict on an assigned peer evaluation", schema)

	kit.RegisterMCPTool(srv, tool, endpoint, func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		args := req.GetArguments()
		return &kit.MCPDecodeResult{Request: &respondReq{
			EvaluationID: stringArg(args, "evaluation_id"),
			AgentID:      stringArg(args, "agent_id"),
			Verdict:      stringArg(args, "verdict"),
			Confidence:   floatArg(args, "confidence", 0.5),
		}}, nil
	})
}

type respondReq struct {
	EvaluationID string  `json:"evaluation_id"`
	AgentID      string  `json:"agent_id"`
	Verdict      string  `json:"verdict"`
	Confidence   float64 `json:"confidence"`
}

func (r *respondReq) userID() string { return r.AgentID }

// --- get_consensus ---

func registerGetConsensus(srv *server.MCPServer, deps Deps) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"submission_id":   map[string]string{"type": "string", "description": "Submission ID"},
			"submission_type": map[string]string{"type": "string", "description": "One of: problem, solution, debate, mission"},
		},
		"required": []string{"submission_id", "submission_type"},
	})
	tool := mcp.NewToolWithRawSchema("get_consensus", "Retrieve the consensus result and evaluations for a submission", schema)

	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, request any) (any, error) {
		r := request.(*getConsensusReq)
		sub, err := deps.DB.GetSubmission(r.SubmissionID, r.SubmissionType)
		if err != nil {
			return nil, err
		}
		out := map[string]any{"submission": sub}
		if result, err := deps.DB.GetConsensus(r.SubmissionID, r.SubmissionType); err == nil {
			out["consensus"] = result
		}
		if evals, err := deps.DB.ListEvaluationsForSubmission(r.SubmissionID, r.SubmissionType); err == nil {
			out["evaluations"] = evals
		}
		return out, nil
	}, func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		args := req.GetArguments()
		return &kit.MCPDecodeResult{Request: &getConsensusReq{
			SubmissionID:   stringArg(args, "submission_id"),
			SubmissionType: stringArg(args, "submission_type"),
		}}, nil
	})
}

type getConsensusReq struct {
	SubmissionID   string `json:"submission_id"`
	SubmissionType string `json:"submission_type"`
}

// --- list_pending_evaluations ---

func registerListPendingEvaluations(srv *server.MCPServer, deps Deps) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent_id": map[string]string{"type": "string", "description": "Validator's agent ID"},
		},
		"required": []string{"agent_id"},
	})
	tool := mcp.NewToolWithRawSchema("list_pending_evaluations", "List a validator's open review slots", schema)

	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, request any) (any, error) {
		r := request.(*listPendingReq)
		v, err := deps.DB.GetValidatorByAgent(r.AgentID)
		if err != nil {
			return nil, err
		}
		pending, err := deps.DB.ListPendingForValidator(v.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"evaluations": pending, "count": len(pending)}, nil
	}, func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		args := req.GetArguments()
		return &kit.MCPDecodeResult{Request: &listPendingReq{AgentID: stringArg(args, "agent_id")}}, nil
	})
}

type listPendingReq struct {
	AgentID string `json:"agent_id"`
}

// --- get_balance ---

func registerGetBalance(srv *server.MCPServer, deps Deps) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent_id": map[string]string{"type": "string", "description": "Agent ID"},
		},
		"required": []string{"agent_id"},
	})
	tool := mcp.NewToolWithRawSchema("get_balance", "Get an agent's credit balance and recent ledger entries", schema)

	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, request any) (any, error) {
		r := request.(*getBalanceReq)
		balance, err := deps.DB.AgentBalance(r.AgentID)
		if err != nil {
			return nil, err
		}
		txs, err := deps.DB.ListTransactions(r.AgentID, 20)
		if err != nil {
			return nil, err
		}
		return map[string]any{"balance": balance, "transactions": txs}, nil
	}, func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		args := req.GetArguments()
		return &kit.MCPDecodeResult{Request: &getBalanceReq{AgentID: stringArg(args, "agent_id")}}, nil
	})
}

type getBalanceReq struct {
	AgentID string `json:"agent_id"`
}

// --- list_spot_checks ---

func registerListSpotChecks(srv *server.MCPServer, deps Deps) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"limit":     map[string]any{"type": "integer", "description": "Max results", "default": 50},
			"disagreed": map[string]any{"type": "boolean", "description": "Only rows where peer and classifier diverged", "default": false},
		},
	})
	tool := mcp.NewToolWithRawSchema("list_spot_checks", "List classifier audit rows for peer-consensus decisions", schema)

	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, request any) (any, error) {
		r := request.(*listSpotChecksReq)
		checks, err := deps.DB.ListSpotChecks(r.Limit, r.Disagreed)
		if err != nil {
			return nil, err
		}
		return map[string]any{"spot_checks": checks, "count": len(checks)}, nil
	}, func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		args := req.GetArguments()
		disagreed, _ := args["disagreed"].(bool)
		return &kit.MCPDecodeResult{Request: &listSpotChecksReq{
			Limit:     intArg(args, "limit", 50),
			Disagreed: disagreed,
		}}, nil
	})
}

type listSpotChecksReq struct {
	Limit     int  `json:"limit"`
	Disagreed bool `json:"disagreed"`
}

// --- economy_health ---

func registerEconomyHealth(srv *server.MCPServer, deps Deps) {
	schema, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	})
	tool := mcp.NewToolWithRawSchema("economy_health", "Get the latest economic health snapshot and breaker state", schema)

	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, request any) (any, error) {
		out := map[string]any{}
		if latest, err := deps.DB.LatestSnapshot(); err == nil {
			out["latest"] = latest
		}
		breaker, err := deps.DB.GetFlag("circuit_breaker", false)
		if err != nil {
			return nil, err
		}
		out["circuit_breaker"] = breaker
		return out, nil
	}, func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &struct{}{}}, nil
	})
}

// --- set_rollout ---

func registerSetRollout(srv *server.MCPServer, deps Deps, auditLog audit.Logger) {
	var endpoint kit.Endpoint = func(ctx context.Context, request any) (any, error) {
		r := request.(*setRolloutReq)
		if r.RolloutPct < 0 || r.RolloutPct > 100 {
			return nil, fmt.Errorf("rollout_pct must be 0-100")
		}
		if err := deps.DB.SetSetting("rollout_pct", strconv.Itoa(r.RolloutPct)); err != nil {
			return nil, err
		}
		return map[string]int{"rollout_pct": r.RolloutPct}, nil
	}
	if auditLog != nil {
		endpoint = audit.Middleware(auditLog, "set_rollout")(endpoint)
	}

	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"rollout_pct": map[string]any{"type": "integer", "description": "Percentage of eligible traffic routed to peer consensus (0-100)"},
		},
		"required": []string{"rollout_pct"},
	})
	tool := mcp.NewToolWithRawSchema("set_rollout", "Set the peer-consensus rollout percentage (operator)", schema)

	kit.RegisterMCPTool(srv, tool, endpoint, func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		args := req.GetArguments()
		return &kit.MCPDecodeResult{Request: &setRolloutReq{RolloutPct: intArg(args, "rollout_pct", -1)}}, nil
	})
}

type setRolloutReq struct {
	RolloutPct int `json:"rollout_pct"`
}

// --- helpers ---

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return def
	}
}

func floatArg(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return def
	}
}
