// Package gwrouter implements the gateway's aggregation and routing layer
// (spec component C6): collision-free prefixed naming and reverse
// resolution from a prefixed name back to (server id, original name). It is
// adapted from the teacher's mcp-gateway.ServerPrefixNamespace and
// featureIndex, generalized to the exact separator and reverse-lookup rules
// spec.md §4.6 specifies and made independent of any particular mcp.Tool /
// mcp.Prompt SDK type so it can be unit tested as pure functions.
package gwrouter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

// Separator joins a normalized server prefix to an original tool/prompt
// name. Resources are not prefixed — their URIs are already schema
// qualified.
const Separator = "__"

// PrefixName returns "<normalizePrefix(serverName)>__<original>". Callers
// must ensure normalizePrefix(serverName) is non-empty; NameRouter never
// silently produces a bare "__original".
func PrefixName(serverName, original string) string {
	return fmt.Sprintf("%s%s%s", gwtypes.NormalizePrefix(serverName), Separator, original)
}

// ParsePrefixedName splits at the first occurrence of the separator. ok is
// false if the separator is absent.
func ParsePrefixedName(prefixed string) (prefix, original string, ok bool) {
	idx := strings.Index(prefixed, Separator)
	if idx < 0 {
		return "", "", false
	}
	return prefixed[:idx], prefixed[idx+len(Separator):], true
}

// Target is the reverse-resolution result: which server owns a prefixed (or
// unprefixed, for resources) name, and what its original name/URI was.
type Target struct {
	ServerID   string
	ServerName string
	Original   string
}

// Entry is one aggregated capability as tracked by the Router: its owning
// server and its original (unprefixed) name.
type Entry struct {
	ServerID   string
	ServerName string
	Original   string
}

// Router owns nothing persistent; it is fed a fresh snapshot of entries by
// the Gateway on every aggregation and answers pure queries against it. This
// mirrors spec.md's description of NameRouter as "pure functions" rather
// than a stateful registry, while still giving callers an ergonomic type to
// hold the current snapshot.
type Router struct {
	tools     []Entry
	prompts   []Entry
	resources []Entry
}

// NewRouter builds a Router snapshot from the current aggregated lists.
func NewRouter(tools, prompts, resources []Entry) *Router {
	return &Router{tools: tools, prompts: prompts, resources: resources}
}

// ResolveTool performs the reverse resolution described in spec.md §4.6:
// split at the first separator, then scan for a tool whose
// (normalizePrefix(serverName), originalName) matches. First match wins;
// per the Store's uniqueness invariant, ties cannot occur.
func (r *Router) ResolveTool(prefixed string) (Target, bool) {
	return resolve(r.tools, prefixed)
}

// ResolvePrompt is ResolveTool's analogue for prompts.
func (r *Router) ResolvePrompt(prefixed string) (Target, bool) {
	return resolve(r.prompts, prefixed)
}

// ResolveResource looks a resource up by its unmodified URI (resources are
// never prefixed).
func (r *Router) ResolveResource(uri string) (Target, bool) {
	for _, e := range r.resources {
		if e.Original == uri {
			return Target{ServerID: e.ServerID, ServerName: e.ServerName, Original: e.Original}, true
		}
	}
	return Target{}, false
}

func resolve(entries []Entry, prefixed string) (Target, bool) {
	prefix, original, ok := ParsePrefixedName(prefixed)
	if !ok {
		return Target{}, false
	}
	for _, e := range entries {
		if gwtypes.NormalizePrefix(e.ServerName) == prefix && e.Original == original {
			return Target{ServerID: e.ServerID, ServerName: e.ServerName, Original: e.Original}, true
		}
	}
	return Target{}, false
}

// maxDescriptionLen and the trailing-cut window implement spec.md §4.6's
// description-compaction rule exactly.
const (
	maxDescriptionLen = 120
	ellipsis          = "…"
	cutWindowFraction = 0.4
)

// CompactDescription truncates to at most maxDescriptionLen characters,
// preferring to cut at the last whitespace boundary within the last 40% of
// the window, and prefixes the result with "[<serverName>] " to preserve
// provenance. A description already within budget is returned unchanged
// except for the provenance prefix.
func CompactDescription(serverName, description string) string {
	prefix := fmt.Sprintf("[%s] ", serverName)
	budget := maxDescriptionLen - len([]rune(prefix))
	if budget < 0 {
		budget = 0
	}
	runes := []rune(description)
	if len(runes) <= budget {
		return prefix + description
	}
	cut := budget
	windowStart := int(float64(budget) * (1 - cutWindowFraction))
	if windowStart < 0 {
		windowStart = 0
	}
	for i := budget - 1; i >= windowStart; i-- {
		if runes[i] == ' ' || runes[i] == '\t' || runes[i] == '\n' {
			cut = i
			break
		}
	}
	return prefix + strings.TrimRight(string(runes[:cut]), " \t\n") + ellipsis
}

// SortByServerThenOrder is a stable sort helper implementing spec.md §4.7's
// tools/list ordering rule: grouped by server name, preserving
// upstream-reported order within a server. Callers pass entries already in
// upstream-reported order per server; SortByServerThenOrder only reorders
// across server groups (by server name), never within one.
func SortByServerThenOrder(entries []Entry) {
	// stable sort keyed on ServerName keeps each server's internal order
	// (upstream-reported) intact within its group.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ServerName < entries[j].ServerName
	})
}

// ValidatePrefix enforces the tightened Store contract from spec.md §9: the
// normalized prefix of a server name must be non-empty, and must not
// collide with any prefix already present in existing (a snapshot of
// currently-registered server names, excluding the one being validated).
func ValidatePrefix(name string, existing []string) error {
	p := gwtypes.NormalizePrefix(name)
	if p == "" {
		return gwtypes.NewInvalidConfig(fmt.Sprintf("server name %q normalizes to an empty prefix", name))
	}
	for _, other := range existing {
		if gwtypes.NormalizePrefix(other) == p {
			return gwtypes.NewDuplicateName(name)
		}
	}
	return nil
}
