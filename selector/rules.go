package selector

import (
	"net/http"
	"strings"
)

// Rules are bypass rules: a request matching any rule is never intercepted.
type Rules []Rule

// Rule matches requests by path, path prefix, method and query.
// Empty fields match everything.
type Rule struct {
	Prefix string            `yaml:"prefix"`
	Path   string            `yaml:"path"`
	Method string            `yaml:"method"`
	Query  map[string]string `yaml:"query"`
}

// Match returns the first rule matching the request, or nil.
func (r Rules) Match(req *http.Request) *Rule {
	for i := range r {
		if r[i].matches(req) {
			return &r[i]
		}
	}
	return nil
}

func (rule Rule) matches(req *http.Request) bool {
	if rule.Method != "" && !strings.EqualFold(rule.Method, req.Method) {
		return false
	}
	if rule.Path != "" && rule.Path != req.URL.Path {
		return false
	}
	if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
		return false
	}
	if len(rule.Query) > 0 {
		qry := req.URL.Query()
		for name, value := range rule.Query {
			// an empty value only requires the parameter to be present
			if value == "" && !qry.Has(name) {
				return false
			} else if value != "" && qry.Get(name) != value {
				return false
			}
		}
	}
	return true
}
