package inference

import (
	"net"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

// Index is the lookup structure the rules read from. It is built once per
// inference pass from an id-sorted node list, so every "first match" below
// is the lowest id and the result does not depend on input order.
type Index struct {
	nodes  map[string]graphmodel.Node
	byType map[graphmodel.NodeType][]graphmodel.Node

	subdomainByHost map[string]string
	domainByHost    map[string]string
	serviceByOrigin map[string]string
	serviceByHost   map[string]string
	agentByName     map[string]string

	root string
}

// NewIndex builds an index over nodes.
func NewIndex(nodes []graphmodel.Node) *Index {
	sorted := append([]graphmodel.Node(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	ix := &Index{
		nodes:           make(map[string]graphmodel.Node, len(sorted)),
		byType:          make(map[graphmodel.NodeType][]graphmodel.Node),
		subdomainByHost: make(map[string]string),
		domainByHost:    make(map[string]string),
		serviceByOrigin: make(map[string]string),
		serviceByHost:   make(map[string]string),
		agentByName:     make(map[string]string),
	}
	putFirst := func(m map[string]string, key, id string) {
		if key == "" {
			return
		}
		if _, ok := m[key]; !ok {
			m[key] = id
		}
	}

	for _, n := range sorted {
		if _, dup := ix.nodes[n.ID]; dup {
			continue
		}
		ix.nodes[n.ID] = n
		ix.byType[n.Type] = append(ix.byType[n.Type], n)

		switch n.Type {
		case graphmodel.NodeTypeSubdomain:
			putFirst(ix.subdomainByHost, Hostname(n), n.ID)
		case graphmodel.NodeTypeDomain:
			putFirst(ix.domainByHost, Hostname(n), n.ID)
		case graphmodel.NodeTypeHTTPService:
			if u := parseURL(n.Properties.String("url", "base_url", "origin")); u != nil {
				putFirst(ix.serviceByOrigin, origin(u), n.ID)
				putFirst(ix.serviceByHost, normalizeHost(u.Hostname()), n.ID)
			}
		case graphmodel.NodeTypeAgentRun:
			putFirst(ix.agentByName, looseName(n.Properties.String("agent_name", "name", "agent")), n.ID)
		}
	}
	ix.root = ix.findRoot()
	return ix
}

// Root returns the id of the mission's domain root, or "" when there is no
// DOMAIN node.
func (ix *Index) Root() string { return ix.root }

// Has reports whether id is a known node.
func (ix *Index) Has(id string) bool {
	_, ok := ix.nodes[id]
	return ok
}

// findRoot prefers a DOMAIN that is itself a registrable domain (eTLD+1).
func (ix *Index) findRoot() string {
	domains := ix.byType[graphmodel.NodeTypeDomain]
	for _, d := range domains {
		host := Hostname(d)
		if etld1, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil && etld1 == host {
			return d.ID
		}
	}
	if len(domains) > 0 {
		return domains[0].ID
	}
	return ""
}

// domainFor returns the DOMAIN node owning host: an exact match, then the
// registrable domain, then the longest DOMAIN suffix, then the root.
func (ix *Index) domainFor(host string) string {
	if host == "" {
		return ix.root
	}
	if id, ok := ix.domainByHost[host]; ok {
		return id
	}
	if etld1, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		if id, ok := ix.domainByHost[etld1]; ok {
			return id
		}
	}
	best, bestLen := "", 0
	for _, d := range ix.byType[graphmodel.NodeTypeDomain] {
		dh := Hostname(d)
		if dh != "" && strings.HasSuffix(host, "."+dh) && len(dh) > bestLen {
			best, bestLen = d.ID, len(dh)
		}
	}
	if best != "" {
		return best
	}
	return ix.root
}

// hostOwner returns the SUBDOMAIN with host, else the DOMAIN with host.
func (ix *Index) hostOwner(host string) string {
	if id, ok := ix.subdomainByHost[host]; ok {
		return id
	}
	return ix.domainByHost[host]
}

// Hostname extracts the lower-cased host a node stands for: a name-like
// property, or the id with any "type:" prefix removed. URLs are reduced to
// their host.
func Hostname(n graphmodel.Node) string {
	raw := n.Properties.String("hostname", "name", "host", "domain", "fqdn", "value")
	if raw == "" {
		raw = stripPrefix(n.ID)
	}
	if strings.Contains(raw, "://") {
		if u := parseURL(raw); u != nil {
			raw = u.Hostname()
		}
	}
	return normalizeHost(raw)
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimSuffix(h, ".")
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	return h
}

// stripPrefix removes a "type:" id prefix such as "subdomain:".
func stripPrefix(id string) string {
	if i := strings.Index(id, ":"); i > 0 && !strings.Contains(id[:i], "/") {
		return id[i+1:]
	}
	return id
}

// parseURL parses absolute URLs, tolerating a missing scheme.
func parseURL(raw string) *url.URL {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil
	}
	return u
}

// origin renders scheme://host[:port] with default ports elided.
func origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := normalizeHost(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		return scheme + "://" + host + ":" + port
	}
	return scheme + "://" + host
}

// looseName folds case and drops punctuation so "Recon-Agent" matches
// "recon_agent".
func looseName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
