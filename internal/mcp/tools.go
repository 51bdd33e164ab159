package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/faultinjector/internal/cluster"
	"github.com/gateway-fm/faultinjector/pkg/types"
)

// RegisterTools registers all fault injector tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerNodes(s, client)
	registerConnectivity(s, client)
	registerRunScenario(s, client)
	registerHistory(s, client)
	registerRunDetail(s, client)
	registerDeleteRun(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("faultinj_status",
		gomcp.WithDescription("Get the state of the running or most recent fault scenario: status, selected validators, step results so far."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		var cur types.CurrentRun
		if err := client.Get(ctx, "/v1/scenarios/current", &cur); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Fault injector unreachable: %v\n\nIs faultctl serving? Try: faultctl -config cluster.yaml", err)), nil
		}
		return gomcp.NewToolResultText(formatCurrent(cur)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("faultinj_health",
		gomcp.WithDescription("Quick readiness check: probes every configured node and reports which answer."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		var ready readyResponse
		err := client.Get(ctx, "/ready", &ready)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
			return gomcp.NewToolResultText(section("Fault Injector Health: NOT READY") + "\nNo node answered on any layer."), nil
		}
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Fault injector unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(ready)), nil
	})
}

func registerNodes(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("faultinj_nodes",
		gomcp.WithDescription("List configured nodes with type, voting power, active state and exposed ports."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		var nodes []cluster.NodeStatus
		if err := client.Get(ctx, "/v1/nodes", &nodes); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Nodes failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatNodes(nodes)), nil
	})
}

func registerConnectivity(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("faultinj_connectivity",
		gomcp.WithDescription("Probe execute and consensus endpoints of nodes. Optionally limited to a comma-separated host list."),
		gomcp.WithString("hosts",
			gomcp.Description("Comma-separated hosts or URLs (default: all nodes)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		path := "/v1/connectivity"
		if hosts := req.GetString("hosts", ""); hosts != "" {
			path += "?hosts=" + url.QueryEscape(hosts)
		}
		var conn []cluster.Connectivity
		if err := client.Get(ctx, path, &conn); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Connectivity failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatConnectivity(conn)), nil
	})
}

func registerRunScenario(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("faultinj_run_scenario",
		gomcp.WithDescription("Start a fault scenario. This is a MUTATING operation: it stops and restarts validators on the live cluster."),
		gomcp.WithString("scenario",
			gomcp.Required(),
			gomcp.Description("Share of voting power to stop"),
			gomcp.Enum(string(types.ScenarioLessThanOneThird), string(types.ScenarioExactlyOneThird), string(types.ScenarioMoreThanOneThird)),
		),
		gomcp.WithNumber("post_stop_wait_sec",
			gomcp.Description("Seconds between the two height samples after stopping (default: server setting)"),
		),
		gomcp.WithNumber("post_restart_wait_sec",
			gomcp.Description("Seconds between the two height samples after restarting"),
		),
		gomcp.WithNumber("fault_window_sec",
			gomcp.Description("Extra seconds to keep validators down after unreachability is confirmed"),
		),
		gomcp.WithNumber("warm_up_tx_count",
			gomcp.Description("Transactions to send first when the chain is at genesis"),
		),
		gomcp.WithBoolean("expect_progression",
			gomcp.Description("Override whether the chain should keep producing blocks while validators are down"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		sc, err := req.RequireString("scenario")
		if err != nil {
			return gomcp.NewToolResultError("scenario is required"), nil
		}

		payload := types.StartScenarioRequest{
			Scenario:           types.Scenario(sc),
			PostStopWaitSec:    req.GetInt("post_stop_wait_sec", 0),
			PostRestartWaitSec: req.GetInt("post_restart_wait_sec", 0),
			FaultWindowSec:     req.GetInt("fault_window_sec", 0),
			WarmUpTxCount:      req.GetInt("warm_up_tx_count", 0),
		}
		if _, ok := req.GetArguments()["expect_progression"]; ok {
			v := req.GetBool("expect_progression", false)
			payload.ExpectProgression = &v
		}

		var resp types.StartScenarioResponse
		if err := client.Post(ctx, "/v1/scenarios", payload, &resp); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Start scenario failed: %v", err)), nil
		}

		return gomcp.NewToolResultText(joinLines(
			section("Scenario Started"),
			kv("Run ID", resp.ID),
			kv("Scenario", resp.Scenario),
			kv("Status", resp.Status),
			"",
			"Poll faultinj_status for progress.",
		)), nil
	})
}

func registerHistory(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("faultinj_history",
		gomcp.WithDescription("List finished scenario runs, newest first (paginated)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		path := fmt.Sprintf("/v1/history?limit=%d&offset=%d", limit, offset)

		var page types.PaginatedRuns
		if err := client.Get(ctx, path, &page); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("History failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHistory(page)), nil
	})
}

func registerRunDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("faultinj_run_detail",
		gomcp.WithDescription("Get the full report of a scenario run by ID: selection, step log, sampled heights."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		var report types.Report
		if err := client.Get(ctx, "/v1/history/"+url.PathEscape(id), &report); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatReport(&report)), nil
	})
}

func registerDeleteRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("faultinj_delete_run",
		gomcp.WithDescription("Delete a stored scenario run and its step log. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if err := client.Delete(ctx, "/v1/history/"+url.PathEscape(id)); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Deleted"),
			kv("ID", id),
		)), nil
	})
}

// Response formatting functions

type readyResponse struct {
	Ready    bool            `json:"ready"`
	Scenario types.RunStatus `json:"scenario"`
	Checks   []struct {
		Name      string `json:"name"`
		Status    string `json:"status"`
		LatencyMs int64  `json:"latency_ms"`
		Error     string `json:"error"`
	} `json:"checks"`
}

func formatHealth(r readyResponse) string {
	state := "READY"
	if !r.Ready {
		state = "NOT READY"
	}
	lines := section("Fault Injector Health: " + state)
	lines += "\n" + kv("Scenario", r.Scenario)
	for _, c := range r.Checks {
		line := fmt.Sprintf("  %-10s %s (%dms)", c.Name, c.Status, c.LatencyMs)
		if c.Error != "" {
			line += " - " + c.Error
		}
		lines += "\n" + line
	}
	return lines
}

func formatCurrent(cur types.CurrentRun) string {
	if cur.Report == nil {
		return joinLines(
			section("Fault Injector Status"),
			kv("Status", cur.Status),
			"No scenario has run yet.",
		)
	}
	return joinLines(
		section("Fault Injector Status"),
		kv("Status", cur.Status),
		"",
		formatReport(cur.Report),
	)
}

func formatNodes(nodes []cluster.NodeStatus) string {
	var total uint64
	for _, n := range nodes {
		if n.Type == cluster.Validator {
			total += n.VotingPower
		}
	}
	lines := joinLines(
		section("Nodes"),
		kv("Count", len(nodes)),
		kv("Validator Power", formatNumber(total)),
		"",
	)
	for _, n := range nodes {
		lines += fmt.Sprintf("  [%d] %-14s %-22s vp=%-8s %-22s exec=%s cons=%s rest=%s\n",
			n.Index, n.Type, n.Host, formatNumber(n.VotingPower), n.State,
			n.ExecutePort, n.ConsensusPort, n.RESTPort)
	}
	return lines
}

func formatConnectivity(conn []cluster.Connectivity) string {
	lines := section("Connectivity") + "\n"
	for _, c := range conn {
		if !c.Found {
			lines += fmt.Sprintf("  %-22s unknown host\n", c.Host)
			continue
		}
		lines += fmt.Sprintf("  [%d] %-22s execute=%s consensus=%s\n",
			c.Index, c.Host, layerState(c.Execute), layerState(c.Consensus))
	}
	return lines
}

func layerState(l cluster.LayerStatus) string {
	switch {
	case !l.Present:
		return "n/a"
	case l.Connected:
		return "up"
	default:
		return "down"
	}
}

func formatHistory(page types.PaginatedRuns) string {
	lines := joinLines(
		section("Scenario History"),
		kv("Total Runs", page.Total),
		"",
	)
	if len(page.Runs) == 0 {
		return lines + "No scenario runs found."
	}

	for _, r := range page.Runs {
		lines += fmt.Sprintf("### %s\n", r.ID)
		lines += joinLines(
			kv("Scenario", r.Scenario),
			kv("Status", r.Status),
			kv("Steps", r.StepCount),
			kv("Duration", formatMs(r.DurationMs)),
			kv("Started", formatTime(r.StartedAt)),
		)
		if r.ErrorKind != "" {
			lines += "\n" + kv("Error Kind", r.ErrorKind)
		}
		lines += "\n\n"
	}
	return lines
}

func formatReport(r *types.Report) string {
	lines := joinLines(
		section("Run: "+r.ID),
		kv("Scenario", r.Scenario),
		kv("Status", r.Status),
		kv("Started", formatTime(r.StartedAt)),
		kv("Duration", r.Duration().Round(100*time.Millisecond)),
	)
	if r.Error != "" {
		lines += "\n" + kv("Error", fmt.Sprintf("%s (%s)", r.Error, r.ErrorKind))
	}

	if sel := r.Selection; sel != nil {
		expect := "halt"
		if sel.ExpectProgression {
			expect = "progress"
		}
		lines += "\n\n" + joinLines(
			section("Selection"),
			kv("Validators", formatIndices(sel.Indices)),
			kv("Power", fmt.Sprintf("%s of %s (target %s)",
				formatNumber(sel.AchievedPower), formatNumber(sel.TotalPower), formatNumber(sel.TargetPower))),
			kv("Chain Expected To", expect),
		)
	}

	if len(r.Steps) > 0 {
		lines += "\n\n" + section("Steps")
		for _, st := range r.Steps {
			line := fmt.Sprintf("  %s  %-30s %s", mark(st.Success), st.Step, formatMs(st.DurationMs))
			if st.Error != "" {
				line += " - " + st.Error
			}
			lines += "\n" + line
		}
	}

	if len(r.Heights) > 0 {
		labels := make([]string, 0, len(r.Heights))
		for l := range r.Heights {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		lines += "\n\n" + section("Heights")
		for _, l := range labels {
			lines += "\n" + kv(l, formatHeights(r.Heights[l]))
		}
	}
	return lines
}

func formatHeights(h map[int]uint64) string {
	idx := make([]int, 0, len(h))
	for i := range h {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	parts := make([]string, len(idx))
	for i, n := range idx {
		parts[i] = fmt.Sprintf("%d=%d", n, h[n])
	}
	return strings.Join(parts, " ")
}
