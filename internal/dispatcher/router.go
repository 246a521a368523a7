// Package dispatcher orchestrates a single client request end to end:
// model routing, identity selection, upstream dispatch, and failure
// recovery (SPEC_FULL §2 steps 3-8, §4.4, §4.6).
package dispatcher

import "strings"

// Rule is one entry of a model-mapping table (SPEC_FULL §3 "Model Route").
type Rule struct {
	From string // exact model id, or a dialect-series prefix like "gpt-*"
	To   string
}

// ModelRouter resolves a client-visible model id to an upstream model id
// using three ordered tables: exact, series-group, and a fallback default.
// First match in declared order wins (SPEC_FULL §3 Model Route tie-break).
type ModelRouter struct {
	exact  map[string]string
	series []Rule // series rules keep slice order, prefix-matched
	def    string
}

// NewModelRouter builds a router from config-declared mapping tables.
func NewModelRouter(exact map[string]string, series []Rule, defaultModel string) *ModelRouter {
	return &ModelRouter{exact: exact, series: series, def: defaultModel}
}

// Resolve maps a client-requested model id to the upstream model id.
func (r *ModelRouter) Resolve(clientModel string) string {
	if to, ok := r.exact[clientModel]; ok {
		return to
	}
	for _, rule := range r.series {
		prefix := strings.TrimSuffix(rule.From, "*")
		if strings.HasPrefix(clientModel, prefix) {
			return rule.To
		}
	}
	if r.def != "" {
		return r.def
	}
	return clientModel
}
