package toolexecutor

import (
	"sort"
	"strings"
)

// MatchPermission reports whether a granted permission satisfies required.
// "*" grants everything and "ns:*" grants every permission in namespace ns.
func MatchPermission(granted, required string) bool {
	if granted == required || granted == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(granted, ":*"); ok {
		return strings.HasPrefix(required, prefix+":")
	}
	return false
}

// AgentPolicy decides which agents may run a tool. Deny overrides allow; an
// empty allow list admits every agent.
type AgentPolicy struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// IsAgentAllowed checks if an agent is admitted by the policy
func (p AgentPolicy) IsAgentAllowed(agentID string) bool {
	for _, denied := range p.Deny {
		if denied == agentID || denied == "*" {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, allowed := range p.Allow {
		if allowed == agentID || allowed == "*" {
			return true
		}
	}
	return false
}

// AccessDecision is the outcome of a permission check.
type AccessDecision struct {
	Allowed bool
	Missing []string
	Reason  string
}

// Err converts a denial into a permission_denied error.
func (d AccessDecision) Err(toolID string) error {
	if d.Allowed {
		return nil
	}
	err := NewError(KindPermissionDenied, "%s: %s", toolID, d.Reason)
	if len(d.Missing) > 0 {
		err.Details = map[string]interface{}{"missing_permissions": d.Missing}
	}
	return err
}

// RequiredPermissions collects the tool's declared permissions with those
// of its backend, deduplicated and sorted.
func RequiredPermissions(tool *Tool, backendPerms ...[]string) []string {
	set := make(map[string]struct{})
	for _, p := range tool.Security.RequiredPermissions {
		set[p] = struct{}{}
	}
	for _, perms := range backendPerms {
		for _, p := range perms {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		if p != "" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// EvaluateAccess checks the agent policy of tool and that the caller holds
// every permission in required.
func EvaluateAccess(tool *Tool, execCtx *ExecutionContext, required []string) AccessDecision {
	if execCtx == nil {
		execCtx = &ExecutionContext{}
	}
	policy := AgentPolicy{Allow: tool.Security.AllowedAgents, Deny: tool.Security.DeniedAgents}
	if !policy.IsAgentAllowed(execCtx.AgentID) {
		return AccessDecision{Reason: "agent " + quoteAgent(execCtx.AgentID) + " is not allowed"}
	}

	var missing []string
	for _, perm := range required {
		if !execCtx.Security.HasPermission(perm) {
			missing = append(missing, perm)
		}
	}
	if len(missing) > 0 {
		return AccessDecision{Missing: missing, Reason: "missing permissions " + strings.Join(missing, ", ")}
	}
	return AccessDecision{Allowed: true}
}

func quoteAgent(agentID string) string {
	if agentID == "" {
		return "<anonymous>"
	}
	return agentID
}
