package gwrouter

import (
	"github.com/yosida95/uritemplate/v3"
)

// TemplateEntry is an aggregated resource template: its owning server and
// its original (unmodified) URI template. Supplements spec.md's resource
// model, grounded on the teacher's ResourceTemplateTarget and
// syncResourceTemplates.
type TemplateEntry struct {
	ServerID    string
	ServerName  string
	URITemplate string
}

// TemplateRouter matches a concrete resource URI against the aggregated set
// of upstream resource templates, used when a downstream resources/read
// request targets a templated resource rather than a literal one.
type TemplateRouter struct {
	entries   []TemplateEntry
	compiled  []*uritemplate.Template
	compileOK []bool
}

// NewTemplateRouter compiles every template eagerly; a template that fails
// to parse is kept for listing purposes but never matches.
func NewTemplateRouter(entries []TemplateEntry) *TemplateRouter {
	tr := &TemplateRouter{entries: entries}
	for _, e := range entries {
		tmpl, err := uritemplate.New(e.URITemplate)
		if err != nil {
			tr.compiled = append(tr.compiled, nil)
			tr.compileOK = append(tr.compileOK, false)
			continue
		}
		tr.compiled = append(tr.compiled, tmpl)
		tr.compileOK = append(tr.compileOK, true)
	}
	return tr
}

// Match returns the first template whose pattern matches uri.
func (tr *TemplateRouter) Match(uri string) (Target, bool) {
	for i, e := range tr.entries {
		if !tr.compileOK[i] {
			continue
		}
		if tr.compiled[i].Match(uri) != nil {
			return Target{ServerID: e.ServerID, ServerName: e.ServerName, Original: e.URITemplate}, true
		}
	}
	return Target{}, false
}
