// Package resolve implements the Argument Resolver (component F): turning
// a tool call's declarative argument schema into a concrete argument map
// by evaluating literal values, reading named parameters out of the call
// context, and dereferencing upstream task results by dotted path.
//
// No single teacher file owns "resolve a tool argument schema against
// prior DAG results" — it's a concern specific to this gateway's
// capability-call shape. The dotted-path-with-bracket-indexing expression
// grammar and the "a failed reference is omitted, never an error" rule
// are grounded directly on SPEC_FULL.md §4.F; the accumulate-then-summarize
// shape (ResolutionSummary) mirrors the same staged-accumulator pattern
// internal/search's Engine and internal/engine.Engine.Evaluate both use.
package resolve

import (
	"strconv"
	"strings"
)

// EntryType is the kind of one argument schema entry.
type EntryType string

const (
	EntryLiteral   EntryType = "literal"
	EntryParameter EntryType = "parameter"
	EntryReference EntryType = "reference"
)

// SchemaEntry is one argument's resolution recipe.
type SchemaEntry struct {
	Type EntryType

	// Value backs EntryLiteral.
	Value any

	// ParameterName backs EntryParameter: the key read from
	// Context.Parameters.
	ParameterName string

	// Expression backs EntryReference: a dotted path, optionally with
	// bracketed array indices, whose first segment is a DAG node id
	// (e.g. "n1.items[0]", "n1.out.metadata.status"). The node id is
	// looked up in priorResults as "task_<nodeId>".
	Expression string
}

// ArgsSchema maps an argument name to its resolution recipe.
type ArgsSchema map[string]SchemaEntry

// Context carries the call-time parameters available to "parameter"
// schema entries.
type Context struct {
	Parameters map[string]any
}

// ResolveArguments evaluates every entry in schema against ctx and
// priorResults (keyed by "task_<nodeId>"). A reference or parameter entry
// that cannot be resolved is silently omitted from the result rather than
// causing an error — the caller decides whether an omission is fatal via
// ValidateRequiredArguments.
func ResolveArguments(schema ArgsSchema, ctx Context, priorResults map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for name, entry := range schema {
		switch entry.Type {
		case EntryLiteral:
			out[name] = entry.Value
		case EntryParameter:
			if v, ok := ctx.Parameters[entry.ParameterName]; ok {
				out[name] = v
			}
		case EntryReference:
			if v, ok := resolveReference(entry.Expression, priorResults); ok {
				out[name] = v
			}
		}
	}
	return out
}

// MergeArguments overlays explicit on top of resolved: any key explicit
// sets wins over the same key in resolved.
func MergeArguments(resolved, explicit map[string]any) map[string]any {
	out := make(map[string]any, len(resolved)+len(explicit))
	for k, v := range resolved {
		out[k] = v
	}
	for k, v := range explicit {
		out[k] = v
	}
	return out
}

// ValidateRequiredArguments reports every name in required absent from
// resolved.
func ValidateRequiredArguments(resolved map[string]any, required []string) []string {
	var missing []string
	for _, name := range required {
		if _, ok := resolved[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// ResolutionSummary tallies how a schema resolved: how many entries of
// each kind it had, and how many ended up present vs. omitted in the
// result.
type ResolutionSummary struct {
	Total      int
	Literals   int
	Parameters int
	References int
	Resolved   int
	Failed     int
}

// BuildResolutionSummary tallies schema against the map ResolveArguments
// produced from it.
func BuildResolutionSummary(schema ArgsSchema, resolved map[string]any) ResolutionSummary {
	s := ResolutionSummary{Total: len(schema)}
	for name, entry := range schema {
		switch entry.Type {
		case EntryLiteral:
			s.Literals++
		case EntryParameter:
			s.Parameters++
		case EntryReference:
			s.References++
		}
		if _, ok := resolved[name]; ok {
			s.Resolved++
		} else {
			s.Failed++
		}
	}
	return s
}

// pathToken is either a field-access string or an array index int.
type pathToken struct {
	field string
	index int
	isIdx bool
}

// resolveReference evaluates a dotted/bracketed reference expression
// against priorResults, returning (value, false) for any missing task,
// missing field, out-of-range index, or a path step into a non-container
// value — all of which are "failed" outcomes per the spec, not panics.
func resolveReference(expr string, priorResults map[string]any) (any, bool) {
	tokens := parsePath(expr)
	if len(tokens) == 0 || tokens[0].isIdx {
		return nil, false
	}

	nodeID := tokens[0].field
	cur, ok := priorResults["task_"+nodeID]
	if !ok {
		return nil, false
	}

	for _, tok := range tokens[1:] {
		if tok.isIdx {
			slice, ok := cur.([]any)
			if !ok || tok.index < 0 || tok.index >= len(slice) {
				return nil, false
			}
			cur = slice[tok.index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[tok.field]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// parsePath tokenizes "n1.items[0].name" into
// [{field:"n1"} {field:"items"} {index:0} {field:"name"}]. A malformed
// expression (unmatched bracket, non-numeric index) yields nil, which
// resolveReference treats as an unresolvable reference.
func parsePath(expr string) []pathToken {
	var tokens []pathToken
	for _, part := range strings.Split(expr, ".") {
		if part == "" {
			return nil
		}
		field := part
		for {
			open := strings.IndexByte(field, '[')
			if open < 0 {
				tokens = append(tokens, pathToken{field: field})
				break
			}
			shut := strings.IndexByte(field, ']')
			if shut < open {
				return nil
			}
			if open > 0 {
				tokens = append(tokens, pathToken{field: field[:open]})
			}
			idx, err := strconv.Atoi(field[open+1 : shut])
			if err != nil {
				return nil
			}
			tokens = append(tokens, pathToken{index: idx, isIdx: true})
			field = field[shut+1:]
			if field == "" {
				break
			}
		}
	}
	return tokens
}
