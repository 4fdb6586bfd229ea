package routing

import "net/http"

// Rule is one entry of a Table. Match returns the handler that should serve
// the request, or false to let the next rule decide.
type Rule struct {
	Name  string
	Match func(r *http.Request) (http.Handler, bool)
}

// Table evaluates rules in order; the first match serves the request and
// unmatched requests go to the fallback.
type Table struct {
	rules    []Rule
	fallback http.Handler
}

// FallbackRule is the name Decide reports when no rule matched.
const FallbackRule = "fallback"

func NewTable(fallback http.Handler, rules ...Rule) *Table {
	return &Table{rules: rules, fallback: fallback}
}

func (t *Table) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, handler := t.decide(r)
	handler.ServeHTTP(w, r)
}

// Decide returns the name of the rule that would serve r.
func (t *Table) Decide(r *http.Request) string {
	name, _ := t.decide(r)
	return name
}

func (t *Table) decide(r *http.Request) (string, http.Handler) {
	for _, rule := range t.rules {
		if handler, ok := rule.Match(r); ok {
			return rule.Name, handler
		}
	}
	return FallbackRule, t.fallback
}

// HostRule matches every request whose host label is reserved and sends it to
// handler without consulting the registry.
func HostRule(name string, resolver *Resolver, handler http.Handler) Rule {
	return Rule{
		Name: name,
		Match: func(r *http.Request) (http.Handler, bool) {
			if resolver.Reserved(r.Host) {
				return handler, true
			}
			return nil, false
		},
	}
}
