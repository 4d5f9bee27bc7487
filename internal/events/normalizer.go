package events

import (
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

// typeAliases maps canonicalized wire names onto canonical types. The second
// value carries the status or action implied by the alias, if any.
var typeAliases = map[string]struct {
	typ   Type
	extra string
}{
	"snapshot":            {TypeSnapshot, ""},
	"graph_snapshot":      {TypeSnapshot, ""},
	"initial_state":       {TypeSnapshot, ""},
	"full_state":          {TypeSnapshot, ""},
	"node_added":          {TypeNodeAdded, ""},
	"node_created":        {TypeNodeAdded, ""},
	"node_updated":        {TypeNodeUpdated, ""},
	"node_changed":        {TypeNodeUpdated, ""},
	"node_deleted":        {TypeNodeDeleted, ""},
	"node_removed":        {TypeNodeDeleted, ""},
	"edge_added":          {TypeEdgeAdded, ""},
	"edge_created":        {TypeEdgeAdded, ""},
	"edge_deleted":        {TypeEdgeDeleted, ""},
	"edge_removed":        {TypeEdgeDeleted, ""},
	"agent_started":       {TypeAgentStarted, ""},
	"agent_start":         {TypeAgentStarted, ""},
	"agent_finished":      {TypeAgentFinished, ""},
	"agent_completed":     {TypeAgentFinished, string(graphmodel.StatusCompleted)},
	"agent_failed":        {TypeAgentFinished, string(graphmodel.StatusError)},
	"tool_called":         {TypeToolCalled, ""},
	"tool_started":        {TypeToolCalled, ""},
	"tool_call_started":   {TypeToolCalled, ""},
	"tool_finished":       {TypeToolFinished, ""},
	"tool_completed":      {TypeToolFinished, string(graphmodel.StatusCompleted)},
	"tool_call_completed": {TypeToolFinished, string(graphmodel.StatusCompleted)},
	"tool_failed":         {TypeToolFinished, string(graphmodel.StatusError)},
	"tool_call_failed":    {TypeToolFinished, string(graphmodel.StatusError)},
	"asset_mutation":      {TypeAssetMutation, ""},
	"asset_created":       {TypeAssetMutation, string(MutationCreated)},
	"asset_updated":       {TypeAssetMutation, string(MutationUpdated)},
	"asset_deleted":       {TypeAssetMutation, string(MutationDeleted)},
	"mission_completed":   {TypeMissionCompleted, ""},
	"mission_complete":    {TypeMissionCompleted, ""},
	"mission_finished":    {TypeMissionCompleted, ""},
}

var keepaliveTypes = map[string]bool{
	"keepalive": true, "keep_alive": true, "ping": true, "pong": true, "heartbeat": true,
}

// Normalize decodes a raw envelope into a canonical event. Keepalives return
// (nil, nil). Undecodable or unrecognised messages return a *MalformedEventError.
func Normalize(raw []byte) (*Event, error) {
	return NormalizeNamed("", raw)
}

// NormalizeNamed is Normalize for transports that carry an out-of-band event
// name (the SSE "event:" field). The name is used only when the envelope has no
// type of its own.
func NormalizeNamed(name string, raw []byte) (*Event, error) {
	var envelope map[string]interface{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &MalformedEventError{Reason: "invalid JSON", Err: err}
	}
	if envelope == nil {
		return nil, &MalformedEventError{Reason: "envelope is not an object"}
	}
	return NormalizeMap(name, envelope)
}

// NormalizeMap normalizes an already decoded envelope.
func NormalizeMap(name string, envelope map[string]interface{}) (*Event, error) {
	env := canonicalKeys(envelope)

	// A recognised transport-level name wins; the envelope "type" is then
	// free to describe the entity.
	rawType, fromName := "", false
	if nk := CanonicalKey(name); nk != "" {
		if _, ok := typeAliases[nk]; ok || keepaliveTypes[nk] {
			rawType, fromName = name, true
		}
	}
	if rawType == "" {
		rawType = str(env, "type", "event_type", "event", "kind")
	}
	if rawType == "" {
		return nil, &MalformedEventError{Reason: "missing event type"}
	}

	key := CanonicalKey(rawType)
	if keepaliveTypes[key] {
		return nil, nil
	}
	alias, ok := typeAliases[key]
	if !ok {
		return nil, &MalformedEventError{Type: rawType, Reason: "unrecognized event type"}
	}

	body, wrapped := unwrapBody(env)
	if !wrapped {
		body = withoutEnvelopeKeys(env, fromName)
	}
	evt := &Event{
		Type:      alias.typ,
		MissionID: firstStr(env, body, "mission_id", "mission"),
		Timestamp: parseTime(first(env, body, "timestamp", "ts", "time", "emitted_at")),
		Sequence:  parseSequence(first(env, body, "seq", "sequence", "version")),
	}

	var err error
	switch evt.Type {
	case TypeSnapshot:
		evt.Snapshot, err = parseSnapshot(body)
	case TypeNodeAdded, TypeNodeUpdated:
		evt.Node, err = parseNode(nested(body, "node"))
	case TypeNodeDeleted:
		evt.NodeID = str(nested(body, "node"), "id", "node_id")
		if evt.NodeID == "" {
			err = errMissing("node id")
		}
	case TypeEdgeAdded, TypeEdgeDeleted:
		evt.Edge, err = parseEdge(nested(body, "edge"), evt.Type == TypeEdgeAdded)
	case TypeAgentStarted, TypeAgentFinished:
		evt.Agent, err = parseAgent(nested(body, "agent_run"), evt.Type, alias.extra)
	case TypeToolCalled, TypeToolFinished:
		evt.Tool, err = parseTool(nested(body, "tool_call"), evt.Type, alias.extra)
	case TypeAssetMutation:
		evt.Mutation, err = parseMutation(body, alias.extra)
	case TypeMissionCompleted:
	}
	if err != nil {
		if m, ok := err.(*MalformedEventError); ok {
			m.Type = rawType
		}
		return nil, err
	}

	if evt.Node != nil && evt.Node.MissionID == "" {
		evt.Node.MissionID = evt.MissionID
	}
	return evt, nil
}

func errMissing(what string) error {
	return &MalformedEventError{Reason: "missing " + what}
}

// CanonicalKey converts camelCase, kebab-case and dotted names to snake_case.
func CanonicalKey(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	runes := []rune(strings.TrimSpace(s))
	for i, r := range runes {
		switch {
		case r == '-' || r == '.' || r == ' ' || r == ':':
			b.WriteByte('_')
		case unicode.IsUpper(r):
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsUpper(runes[i-1]) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// canonicalKeys returns a copy of m whose top-level keys are snake_case.
// On collisions the key that was already snake_case wins.
func canonicalKeys(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		ck := CanonicalKey(k)
		if _, exists := out[ck]; exists && ck != k {
			continue
		}
		out[ck] = v
	}
	return out
}

// unwrapBody descends through payload/data wrappers. A second level is only
// taken when the first body is itself an envelope, so an entity whose own
// fields include a data or payload object keeps them.
func unwrapBody(env map[string]interface{}) (map[string]interface{}, bool) {
	body, wrapped := env, false
	for depth := 0; depth < 2; depth++ {
		if depth > 0 && !envelopeOnly(body) {
			break
		}
		inner := asMap(body["payload"])
		if inner == nil {
			inner = asMap(body["data"])
		}
		if inner == nil {
			break
		}
		body, wrapped = canonicalKeys(inner), true
	}
	return body, wrapped
}

// envelopeOnly reports whether body holds nothing but wrapper and envelope
// metadata keys.
func envelopeOnly(body map[string]interface{}) bool {
	for k := range body {
		switch k {
		case "payload", "data", "mission_id":
			continue
		}
		if !slices.Contains(envelopeKeys, k) {
			return false
		}
	}
	return true
}

var envelopeKeys = []string{"type", "event_type", "event", "seq", "sequence", "timestamp", "ts", "time", "emitted_at"}

// withoutEnvelopeKeys strips envelope metadata from a flat message so that
// it is not mistaken for entity fields.
func withoutEnvelopeKeys(env map[string]interface{}, keepType bool) map[string]interface{} {
	out := make(map[string]interface{}, len(env))
	for k, v := range env {
		out[k] = v
	}
	for _, k := range envelopeKeys {
		if keepType && k == "type" {
			continue
		}
		delete(out, k)
	}
	return out
}

// nested returns body[key] when it is an object, otherwise body itself.
func nested(body map[string]interface{}, key string) map[string]interface{} {
	if inner := asMap(body[key]); inner != nil {
		return canonicalKeys(inner)
	}
	return body
}

func firstPresent(m map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func asList(v interface{}) []interface{} {
	l, _ := v.([]interface{})
	return l
}

func first(a, b map[string]interface{}, keys ...string) interface{} {
	for _, m := range []map[string]interface{}{a, b} {
		for _, k := range keys {
			if v, ok := m[k]; ok && v != nil {
				return v
			}
		}
	}
	return nil
}

func firstStr(a, b map[string]interface{}, keys ...string) string {
	if s := str(a, keys...); s != "" {
		return s
	}
	return str(b, keys...)
}

// str returns the first key holding a non-empty string or number, as a string.
func str(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func num(m map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func parseSequence(v interface{}) uint64 {
	switch tv := v.(type) {
	case float64:
		if tv > 0 && tv < math.MaxUint64 {
			return uint64(tv)
		}
	case string:
		if n, err := strconv.ParseUint(tv, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// parseTime accepts RFC 3339 strings and unix timestamps in seconds or milliseconds.
func parseTime(v interface{}) time.Time {
	switch tv := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, tv); err == nil {
				return t.UTC()
			}
		}
		if f, err := strconv.ParseFloat(tv, 64); err == nil {
			return unixTime(f)
		}
	case float64:
		return unixTime(tv)
	}
	return time.Time{}
}

func unixTime(f float64) time.Time {
	if f <= 0 {
		return time.Time{}
	}
	// Values past ~2286 in seconds are taken to be milliseconds.
	if f > 1e10 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func parseDuration(m map[string]interface{}) time.Duration {
	if ms, ok := num(m, "duration_ms", "elapsed_ms"); ok {
		return time.Duration(ms * float64(time.Millisecond))
	}
	if s := str(m, "duration"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	// A bare numeric "duration" is milliseconds upstream.
	if ms, ok := num(m, "duration"); ok {
		return time.Duration(ms * float64(time.Millisecond))
	}
	return 0
}

// reservedNodeKeys are structural and never copied into the property bag.
var reservedNodeKeys = map[string]bool{
	"id": true, "node_id": true, "type": true, "node_type": true, "kind": true,
	"properties": true, "props": true, "attributes": true,
	"mission_id": true, "created_at": true, "updated_at": true,
}

func parseNode(m map[string]interface{}) (*graphmodel.Node, error) {
	m = canonicalKeys(m)
	id := str(m, "id", "node_id")
	if id == "" {
		return nil, errMissing("node id")
	}
	node := &graphmodel.Node{
		ID:         id,
		Type:       graphmodel.ParseNodeType(str(m, "type", "node_type", "kind", "label")),
		MissionID:  str(m, "mission_id"),
		Properties: graphmodel.Properties{},
		CreatedAt:  parseTime(m["created_at"]),
		UpdatedAt:  parseTime(m["updated_at"]),
	}
	for _, key := range []string{"properties", "props", "attributes"} {
		switch pv := m[key].(type) {
		case map[string]interface{}:
			for k, v := range canonicalKeys(pv) {
				node.Properties[k] = v
			}
		case string:
			// Some query backends serialize the bag as a JSON string.
			var decoded map[string]interface{}
			if err := json.Unmarshal([]byte(pv), &decoded); err == nil {
				for k, v := range canonicalKeys(decoded) {
					node.Properties[k] = v
				}
			}
		}
	}
	labelIsType := str(m, "type", "node_type", "kind") == ""
	for k, v := range m {
		if reservedNodeKeys[k] || (k == "label" && labelIsType) {
			continue
		}
		if _, set := node.Properties[k]; !set {
			node.Properties[k] = v
		}
	}
	return node, nil
}

func parseEdge(m map[string]interface{}, requireRelation bool) (*graphmodel.Edge, error) {
	m = canonicalKeys(m)
	edge := &graphmodel.Edge{
		ID:           str(m, "id", "edge_id"),
		SourceID:     str(m, "source", "source_id", "from", "from_node", "from_id", "src"),
		TargetID:     str(m, "target", "target_id", "to", "to_node", "to_id", "dst"),
		Relationship: graphmodel.RelationshipType(strings.ToUpper(str(m, "relation", "relationship", "rel", "type", "label"))),
	}
	if edge.SourceID == "" || edge.TargetID == "" {
		return nil, errMissing("edge endpoint")
	}
	if requireRelation && edge.Relationship == "" {
		return nil, errMissing("edge relation")
	}
	return edge, nil
}

func parseAgent(m map[string]interface{}, typ Type, implied string) (*graphmodel.AgentRun, error) {
	run := &graphmodel.AgentRun{
		ID:        str(m, "id", "agent_id", "run_id", "agent_run_id"),
		AgentName: str(m, "agent_name", "name", "agent"),
		Phase:     graphmodel.ParsePhase(str(m, "phase", "stage")),
		StartTime: parseTime(first(m, nil, "start_time", "started_at")),
		EndTime:   parseTime(first(m, nil, "end_time", "finished_at", "completed_at")),
		Duration:  parseDuration(m),
		Error:     str(m, "error", "error_message"),
	}
	if tokens, ok := num(m, "tokens", "total_tokens", "token_count"); ok {
		run.Tokens = int64(tokens)
	}
	if run.ID == "" {
		return nil, errMissing("agent id")
	}
	run.Status = lifecycleStatus(typ == TypeAgentStarted, implied, str(m, "status", "state", "result"), run.Error)
	return run, nil
}

func parseTool(m map[string]interface{}, typ Type, implied string) (*graphmodel.ToolCall, error) {
	call := &graphmodel.ToolCall{
		ID:        str(m, "id", "tool_call_id", "call_id"),
		ToolName:  str(m, "tool_name", "tool", "name"),
		AgentID:   str(m, "agent_id", "agent_run_id", "run_id"),
		AgentName: str(m, "agent_name", "agent"),
		StartTime: parseTime(first(m, nil, "start_time", "started_at")),
		EndTime:   parseTime(first(m, nil, "end_time", "finished_at", "completed_at")),
		Duration:  parseDuration(m),
		Error:     str(m, "error", "error_message"),
		Result:    first(m, nil, "result", "output"),
	}
	if args := asMap(first(m, nil, "args", "arguments", "input")); args != nil {
		call.Args = args
	}
	if call.ID == "" {
		return nil, errMissing("tool call id")
	}
	status := str(m, "status", "state")
	// "result" doubles as a status word for some producers.
	if s, ok := call.Result.(string); ok && status == "" {
		if _, known := graphmodel.ParseRunStatus(s); known {
			status = s
		}
	}
	call.Status = lifecycleStatus(typ == TypeToolCalled, implied, status, call.Error)
	return call, nil
}

// lifecycleStatus resolves the status of a start or finish event. Start events
// are always running; finish events are completed unless the alias, the status
// word or an error message says otherwise.
func lifecycleStatus(started bool, implied, raw, errMsg string) graphmodel.RunStatus {
	if started {
		return graphmodel.StatusRunning
	}
	if implied != "" {
		return graphmodel.RunStatus(implied)
	}
	if s, ok := graphmodel.ParseRunStatus(raw); ok && s.Terminal() {
		return s
	}
	if errMsg != "" {
		return graphmodel.StatusError
	}
	return graphmodel.StatusCompleted
}

func parseSnapshot(body map[string]interface{}) (*Snapshot, error) {
	g := nested(body, "graph")
	snap := &Snapshot{}
	for _, raw := range asList(g["nodes"]) {
		node, err := parseNode(asMap(raw))
		if err != nil {
			continue
		}
		snap.Nodes = append(snap.Nodes, *node)
	}
	for _, raw := range asList(g["edges"]) {
		edge, err := parseEdge(asMap(raw), false)
		if err != nil {
			continue
		}
		snap.Edges = append(snap.Edges, *edge)
	}
	if runs, ok := firstPresent(g, "agent_runs", "agents"); ok {
		snap.AgentRuns = []graphmodel.AgentRun{}
		for _, raw := range asList(runs) {
			m := canonicalKeys(asMap(raw))
			run, err := parseAgent(m, TypeAgentFinished, "")
			if err != nil {
				continue
			}
			// A baseline reports status as-is rather than as a finish event.
			if s, ok := graphmodel.ParseRunStatus(str(m, "status", "state")); ok {
				run.Status = s
			}
			snap.AgentRuns = append(snap.AgentRuns, *run)
		}
	}
	if calls, ok := firstPresent(g, "tool_calls", "tools"); ok {
		snap.ToolCalls = []graphmodel.ToolCall{}
		for _, raw := range asList(calls) {
			m := canonicalKeys(asMap(raw))
			call, err := parseTool(m, TypeToolFinished, "")
			if err != nil {
				continue
			}
			if s, ok := graphmodel.ParseRunStatus(str(m, "status", "state")); ok {
				call.Status = s
			}
			snap.ToolCalls = append(snap.ToolCalls, *call)
		}
	}
	if _, hasNodes := g["nodes"]; !hasNodes {
		if _, hasEdges := g["edges"]; !hasEdges {
			return nil, errMissing("snapshot nodes")
		}
	}
	return snap, nil
}

func parseMutation(body map[string]interface{}, implied string) (*AssetMutation, error) {
	action := MutationAction(strings.ToLower(implied))
	if action == "" {
		action = MutationAction(strings.ToLower(str(body, "action", "operation", "mutation", "change")))
	}
	switch action {
	case "create", "add", "added":
		action = MutationCreated
	case "update", "upsert", "modified":
		action = MutationUpdated
	case "delete", "remove", "removed":
		action = MutationDeleted
	case MutationCreated, MutationUpdated, MutationDeleted:
	case "":
		action = MutationUpdated
	default:
		return nil, &MalformedEventError{Reason: "unknown mutation action " + string(action)}
	}

	assetMap := asMap(body["asset"])
	if assetMap == nil {
		assetMap = asMap(body["node"])
	}
	if assetMap == nil {
		assetMap = body
	}
	node, err := parseNode(assetMap)
	if err != nil {
		return nil, err
	}
	delete(node.Properties, "action")
	delete(node.Properties, "edges")

	mut := &AssetMutation{Action: action, Node: *node}
	for _, raw := range asList(first(body, nil, "edges", "relationships")) {
		edge, err := parseEdge(asMap(raw), true)
		if err != nil {
			continue
		}
		mut.Edges = append(mut.Edges, *edge)
	}
	return mut, nil
}
