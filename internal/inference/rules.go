package inference

import (
	"net"
	"strings"

	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

// Matcher derives the edges implied by a single node. Matchers are pure and
// must not produce self-loops; the engine drops any that slip through.
type Matcher func(ix *Index, n graphmodel.Node) []graphmodel.Edge

// Rule binds a node type to the matcher that links it into the graph.
type Rule struct {
	Type    graphmodel.NodeType
	Name    string
	Matcher Matcher
}

// DefaultRules is the rule table, one entry per linkable node type.
var DefaultRules = []Rule{
	{graphmodel.NodeTypeSubdomain, "subdomain-hierarchy", subdomainRule},
	{graphmodel.NodeTypeHTTPService, "service-host", serviceRule},
	{graphmodel.NodeTypeEndpoint, "endpoint-origin", endpointRule},
	{graphmodel.NodeTypeHypothesis, "hypothesis-target", targetRule(graphmodel.RelationshipSuggests)},
	{graphmodel.NodeTypeVulnerability, "vulnerability-target", targetRule(graphmodel.RelationshipHasVuln)},
	{graphmodel.NodeTypeIP, "ip-resolution", ipRule},
	{graphmodel.NodeTypeTechnology, "technology-usage", technologyRule},
	{graphmodel.NodeTypeDNSRecord, "dns-record-owner", dnsRecordRule},
	{graphmodel.NodeTypeAgentRun, "agent-launch", agentRule},
	{graphmodel.NodeTypeToolCall, "tool-call-agent", toolCallRule},
}

func edge(src, dst string, rel graphmodel.RelationshipType) []graphmodel.Edge {
	if src == "" || dst == "" || src == dst {
		return nil
	}
	return []graphmodel.Edge{{SourceID: src, TargetID: dst, Relationship: rel, Inferred: true}}
}

// subdomainRule: a.b.example.com hangs off b.example.com when that subdomain
// is known, otherwise off its domain.
func subdomainRule(ix *Index, n graphmodel.Node) []graphmodel.Edge {
	host := Hostname(n)
	labels := strings.Split(host, ".")
	if len(labels) > 2 {
		parent := strings.Join(labels[1:], ".")
		if id, ok := ix.subdomainByHost[parent]; ok && id != n.ID {
			return edge(id, n.ID, graphmodel.RelationshipHasChild)
		}
	}
	return edge(ix.domainFor(host), n.ID, graphmodel.RelationshipContains)
}

func serviceRule(ix *Index, n graphmodel.Node) []graphmodel.Edge {
	u := parseURL(n.Properties.String("url", "base_url", "origin"))
	if u == nil {
		return nil
	}
	return edge(ix.hostOwner(normalizeHost(u.Hostname())), n.ID, graphmodel.RelationshipServes)
}

func endpointRule(ix *Index, n graphmodel.Node) []graphmodel.Edge {
	u := parseURL(n.Properties.String("origin", "url", "base_url"))
	if u == nil {
		return nil
	}
	if id, ok := ix.serviceByOrigin[origin(u)]; ok {
		return edge(id, n.ID, graphmodel.RelationshipExposes)
	}
	host := normalizeHost(u.Hostname())
	if id, ok := ix.serviceByHost[host]; ok {
		return edge(id, n.ID, graphmodel.RelationshipExposes)
	}
	return edge(ix.hostOwner(host), n.ID, graphmodel.RelationshipHasEndpoint)
}

// idPrefixes are the synthetic id namespaces producers use for targets.
var idPrefixes = []string{"endpoint:", "subdomain:", "domain:", "service:", "http_service:", "ip:", "asset:", "vulnerability:"}

// resolveID finds an existing node for a loose reference: the raw value,
// then prefixed variants, then the value with its prefix removed.
func (ix *Index) resolveID(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if ix.Has(ref) {
		return ref
	}
	for _, p := range idPrefixes {
		if ix.Has(p + ref) {
			return p + ref
		}
	}
	if stripped := stripPrefix(ref); stripped != ref && ix.Has(stripped) {
		return stripped
	}
	return ""
}

func targetRule(rel graphmodel.RelationshipType) Matcher {
	return func(ix *Index, n graphmodel.Node) []graphmodel.Edge {
		for _, ref := range []string{
			n.Properties.String("target_id"),
			n.Properties.String("node_id"),
			n.Properties.String("endpoint_id", "asset_id", "target"),
		} {
			if id := ix.resolveID(ref); id != "" && id != n.ID {
				return edge(id, n.ID, rel)
			}
		}
		return nil
	}
}

// ipRule links an address to the host that resolves to it: via reverse DNS
// on the IP node, or via subdomains listing the address. The second path
// scans every subdomain, so cost grows with subdomains times addresses.
func ipRule(ix *Index, n graphmodel.Node) []graphmodel.Edge {
	for _, ptr := range n.Properties.Strings("ptr", "reverse_dns", "hostname") {
		if id := ix.hostOwner(normalizeHost(ptr)); id != "" {
			return edge(id, n.ID, graphmodel.RelationshipResolvesTo)
		}
	}
	addr := n.Properties.String("address", "ip", "value")
	if addr == "" {
		addr = stripPrefix(n.ID)
	}
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return nil
	}
	var out []graphmodel.Edge
	for _, sub := range ix.byType[graphmodel.NodeTypeSubdomain] {
		for _, candidate := range sub.Properties.Strings("ips", "ip", "addresses", "a_records") {
			if other := net.ParseIP(strings.TrimSpace(candidate)); other != nil && other.Equal(ip) {
				out = append(out, edge(sub.ID, n.ID, graphmodel.RelationshipResolvesTo)...)
				break
			}
		}
	}
	return out
}

func technologyRule(ix *Index, n graphmodel.Node) []graphmodel.Edge {
	if id := ix.resolveID(n.Properties.String("service_id")); id != "" {
		return edge(id, n.ID, graphmodel.RelationshipUsesTechnology)
	}
	u := parseURL(n.Properties.String("url", "host", "origin"))
	if u == nil {
		return nil
	}
	if id, ok := ix.serviceByOrigin[origin(u)]; ok {
		return edge(id, n.ID, graphmodel.RelationshipUsesTechnology)
	}
	host := normalizeHost(u.Hostname())
	if id, ok := ix.serviceByHost[host]; ok {
		return edge(id, n.ID, graphmodel.RelationshipUsesTechnology)
	}
	return edge(ix.hostOwner(host), n.ID, graphmodel.RelationshipUsesTechnology)
}

func dnsRecordRule(ix *Index, n graphmodel.Node) []graphmodel.Edge {
	host := normalizeHost(n.Properties.String("hostname", "name", "host", "domain", "fqdn"))
	if id, ok := ix.subdomainByHost[host]; ok {
		return edge(id, n.ID, graphmodel.RelationshipHasRecord)
	}
	return edge(ix.domainFor(host), n.ID, graphmodel.RelationshipHasRecord)
}

func agentRule(ix *Index, n graphmodel.Node) []graphmodel.Edge {
	return edge(ix.root, n.ID, graphmodel.RelationshipLaunched)
}

// toolCallRule attributes a tool call to its agent run by id, then by a loose
// name match. Unattributable calls hang off the mission root so they stay
// visible; a loose match can mis-attribute calls between same-named agents.
func toolCallRule(ix *Index, n graphmodel.Node) []graphmodel.Edge {
	if id := ix.resolveID(n.Properties.String("agent_id", "agent_run_id")); id != "" {
		if ix.nodes[id].Type == graphmodel.NodeTypeAgentRun {
			return edge(id, n.ID, graphmodel.RelationshipCalls)
		}
	}
	if id, ok := ix.agentByName[looseName(n.Properties.String("agent_name", "agent"))]; ok {
		return edge(id, n.ID, graphmodel.RelationshipCalls)
	}
	return edge(ix.root, n.ID, graphmodel.RelationshipTriggered)
}
