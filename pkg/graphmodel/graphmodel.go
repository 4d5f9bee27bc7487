// File:         pkg/graphmodel/graphmodel.go
// Description:  Consolidated data model for the live mission graph, including
//               the cloning helpers consumers rely on for read-only snapshots.
package graphmodel

import (
	"sort"
	"strings"
	"time"
)

// NodeType defines the categories of entities in the mission graph.
type NodeType string

// RelationshipType defines the nature of the connection between nodes.
type RelationshipType string

// Constants for Node Types.
const (
	// Infrastructure Assets
	NodeTypeDomain      NodeType = "DOMAIN"
	NodeTypeSubdomain   NodeType = "SUBDOMAIN"
	NodeTypeIP          NodeType = "IP"
	NodeTypeDNSRecord   NodeType = "DNS_RECORD"
	NodeTypeHTTPService NodeType = "HTTP_SERVICE"
	NodeTypeEndpoint    NodeType = "ENDPOINT"
	NodeTypeParameter   NodeType = "PARAMETER"
	NodeTypeTechnology  NodeType = "TECHNOLOGY"
	NodeTypeAsset       NodeType = "ASSET"

	// Findings
	NodeTypeVulnerability NodeType = "VULNERABILITY"
	NodeTypeHypothesis    NodeType = "HYPOTHESIS"
	NodeTypeEvidence      NodeType = "EVIDENCE"

	// Workflow
	NodeTypeAgentRun NodeType = "AGENT_RUN"
	NodeTypeToolCall NodeType = "TOOL_CALL"
	NodeTypeLLMCall  NodeType = "LLM_CALL"
)

// AllNodeTypes lists every known node kind in a stable order.
var AllNodeTypes = []NodeType{
	NodeTypeDomain, NodeTypeSubdomain, NodeTypeIP, NodeTypeDNSRecord,
	NodeTypeHTTPService, NodeTypeEndpoint, NodeTypeParameter, NodeTypeTechnology,
	NodeTypeAsset, NodeTypeVulnerability, NodeTypeHypothesis, NodeTypeEvidence,
	NodeTypeAgentRun, NodeTypeToolCall, NodeTypeLLMCall,
}

// ParseNodeType canonicalizes a wire type name ("http-service", "HttpService"
// and "http_service" all map to HTTP_SERVICE). Unknown names are returned
// upper-cased so that open-world types still round-trip.
func ParseNodeType(s string) NodeType {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '-' || r == '.' || r == ' ':
			b.WriteByte('_')
		case r >= 'A' && r <= 'Z' && i > 0 && isLower(s[i-1]):
			b.WriteByte('_')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	t := NodeType(strings.ToUpper(b.String()))
	if alias, ok := nodeTypeAliases[t]; ok {
		return alias
	}
	return t
}

func isLower(c byte) bool { return c >= 'a' && c <= 'z' }

var nodeTypeAliases = map[NodeType]NodeType{
	"IP_ADDRESS":   NodeTypeIP,
	"IPADDRESS":    NodeTypeIP,
	"SERVICE":      NodeTypeHTTPService,
	"HTTPSERVICE":  NodeTypeHTTPService,
	"API_ENDPOINT": NodeTypeEndpoint,
	"DNS":          NodeTypeDNSRecord,
	"VULN":         NodeTypeVulnerability,
	"AGENT":        NodeTypeAgentRun,
	"TOOL":         NodeTypeToolCall,
}

// Known reports whether t is one of the fifteen recognised kinds.
func (t NodeType) Known() bool {
	for _, k := range AllNodeTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Constants for Relationship Types (Edges).
const (
	// Structural
	RelationshipContains    RelationshipType = "CONTAINS"
	RelationshipHasChild    RelationshipType = "HAS_CHILD"
	RelationshipServes      RelationshipType = "SERVES"
	RelationshipExposes     RelationshipType = "EXPOSES"
	RelationshipHasEndpoint RelationshipType = "HAS_ENDPOINT"
	RelationshipResolvesTo  RelationshipType = "RESOLVES_TO"
	RelationshipHasRecord   RelationshipType = "HAS_RECORD"

	// Operational
	RelationshipUsesTechnology RelationshipType = "USES_TECHNOLOGY"

	// Findings
	RelationshipSuggests RelationshipType = "SUGGESTS"
	RelationshipHasVuln  RelationshipType = "HAS_VULN"

	// Workflow
	RelationshipLaunched  RelationshipType = "LAUNCHED"
	RelationshipCalls     RelationshipType = "CALLS"
	RelationshipTriggered RelationshipType = "TRIGGERED"
)

// Properties is a generic map for storing node attributes.
type Properties map[string]interface{}

// DeepCopy creates a copy of the Properties map. Nested maps and slices are
// copied one level deep so consumers cannot reach into store-owned state.
func (p Properties) DeepCopy() Properties {
	if p == nil {
		return nil
	}
	cp := make(Properties, len(p))
	for k, v := range p {
		switch tv := v.(type) {
		case map[string]interface{}:
			inner := make(map[string]interface{}, len(tv))
			for ik, iv := range tv {
				inner[ik] = iv
			}
			cp[k] = inner
		case []interface{}:
			cp[k] = append([]interface{}(nil), tv...)
		default:
			cp[k] = v
		}
	}
	return cp
}

// Merge shallow-merges src over p and returns the result as a new map.
// Neither input is modified.
func (p Properties) Merge(src Properties) Properties {
	out := make(Properties, len(p)+len(src))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// String returns the first non-empty string value among keys.
func (p Properties) String(keys ...string) string {
	for _, k := range keys {
		if v, ok := p[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// Strings returns the string elements of the first key holding a list,
// or a single-element slice when the key holds a plain string.
func (p Properties) Strings(keys ...string) []string {
	for _, k := range keys {
		switch v := p[k].(type) {
		case string:
			if v != "" {
				return []string{v}
			}
		case []string:
			return append([]string(nil), v...)
		case []interface{}:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

// Node represents an entity in the mission graph.
type Node struct {
	ID         string     `json:"id"`
	Type       NodeType   `json:"type"`
	Properties Properties `json:"properties"`
	MissionID  string     `json:"mission_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Clone creates a deep copy of a Node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Properties = n.Properties.DeepCopy()
	return &c
}

// Edge represents a directed relationship between two nodes.
type Edge struct {
	ID           string           `json:"id,omitempty"`
	SourceID     string           `json:"source"`
	TargetID     string           `json:"target"`
	Relationship RelationshipType `json:"relation"`
	Inferred     bool             `json:"inferred,omitempty"`
}

// EdgeKey is the deduplication key of an edge: (source, relation, target).
type EdgeKey struct {
	Source   string
	Relation RelationshipType
	Target   string
}

// Key returns the deduplication key of e.
func (e Edge) Key() EdgeKey {
	return EdgeKey{Source: e.SourceID, Relation: e.Relationship, Target: e.TargetID}
}

// String renders the key in a form suitable for synthetic element ids.
func (k EdgeKey) String() string {
	return k.Source + "-[" + string(k.Relation) + "]->" + k.Target
}

// ElementID returns the id a consumer should use for this edge.
func (e Edge) ElementID() string {
	if e.ID != "" {
		return e.ID
	}
	return "edge:" + e.Key().String()
}

// SortEdges orders edges by (source, relation, target) in place.
func SortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		if a.Relationship != b.Relationship {
			return a.Relationship < b.Relationship
		}
		return a.TargetID < b.TargetID
	})
}

// GraphExport is a structure for exporting the entire graph.
type GraphExport struct {
	MissionID string     `json:"mission_id"`
	Nodes     []*Node    `json:"nodes"`
	Edges     []*Edge    `json:"edges"`
	AgentRuns []AgentRun `json:"agent_runs,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}
