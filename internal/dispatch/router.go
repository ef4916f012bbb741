package dispatch

import (
	"context"
	"net/http"
	"regexp"
	"strings"
)

// Router is an ordered {method, pattern, handler} table, grounded directly
// on SPEC_FULL.md's request dispatcher: patterns are either literal strings
// with ":param" segments or raw regexes, registration order decides ties
// (first match wins), and method "*" matches any verb. Trailing slash is
// significant because the compiled pattern must match the path exactly;
// query string and fragment never reach path matching since they're not
// part of r.URL.Path.
type Router struct {
	routes []route
}

type route struct {
	method  string
	re      *regexp.Regexp
	handler http.HandlerFunc
}

// newRouter creates an empty route table.
func newRouter() *Router {
	return &Router{}
}

// Handle registers a literal-with-":param" pattern for method ("*" for any
// verb). Patterns are compiled into a fully-anchored regex with named
// capture groups so params and regex patterns share one matching path.
func (rt *Router) Handle(method, pattern string, h http.HandlerFunc) {
	rt.routes = append(rt.routes, route{method: method, re: compileLiteral(pattern), handler: h})
}

// HandleRegex registers a raw regex pattern. Named groups ("(?P<id>...)")
// are exposed the same way ":param" segments are.
func (rt *Router) HandleRegex(method string, re *regexp.Regexp, h http.HandlerFunc) {
	rt.routes = append(rt.routes, route{method: method, re: re, handler: h})
}

// Get registers a GET route.
func (rt *Router) Get(pattern string, h http.HandlerFunc) { rt.Handle(http.MethodGet, pattern, h) }

// Post registers a POST route.
func (rt *Router) Post(pattern string, h http.HandlerFunc) { rt.Handle(http.MethodPost, pattern, h) }

// Delete registers a DELETE route.
func (rt *Router) Delete(pattern string, h http.HandlerFunc) {
	rt.Handle(http.MethodDelete, pattern, h)
}

// Any registers a route matching every HTTP method.
func (rt *Router) Any(pattern string, h http.HandlerFunc) { rt.Handle("*", pattern, h) }

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	for _, rte := range rt.routes {
		if rte.method != "*" && rte.method != r.Method {
			continue
		}
		m := rte.re.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		if names := rte.re.SubexpNames(); len(names) > 1 {
			params := make(map[string]string, len(names)-1)
			for i, name := range names {
				if i == 0 || name == "" {
					continue
				}
				params[name] = m[i]
			}
			r = r.WithContext(withParams(r.Context(), params))
		}
		rte.handler(w, r)
		return
	}
	http.NotFound(w, r)
}

func compileLiteral(pattern string) *regexp.Regexp {
	segments := strings.Split(pattern, "/")
	var b strings.Builder
	b.WriteString("^")
	for i, seg := range segments {
		if i > 0 {
			b.WriteString("/")
		}
		if strings.HasPrefix(seg, ":") && len(seg) > 1 {
			b.WriteString("(?P<" + seg[1:] + ">[^/]+)")
			continue
		}
		b.WriteString(regexp.QuoteMeta(seg))
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

type paramsContextKey struct{}

func withParams(ctx context.Context, params map[string]string) context.Context {
	return context.WithValue(ctx, paramsContextKey{}, params)
}

// Param returns the named path parameter captured for r, whether from a
// ":param" segment or a regex named group.
func Param(r *http.Request, name string) string {
	params, ok := r.Context().Value(paramsContextKey{}).(map[string]string)
	if !ok {
		return ""
	}
	return params[name]
}
