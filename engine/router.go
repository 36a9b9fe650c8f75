package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// Router declares the streams an application serves. Each definition binds a
// concrete path pattern (":segment" placeholders match one path segment) to
// the schema its records are validated against.
type Router struct {
	Streams []StreamDef
}

// StreamDef is a single routed stream family.
type StreamDef struct {
	Pattern   string // e.g. "/chat/:chatId"
	SchemaKey string
}

type compiledRoute struct {
	pattern   string
	re        *regexp.Regexp
	schemaKey string
}

// compilePattern turns "/chat/:chatId" into the anchored regex
// "^/chat/[^/]+$". Literal segments are quoted.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" || pattern[0] != '/' {
		return nil, fmt.Errorf("pattern %q must start with '/'", pattern)
	}

	segments := strings.Split(pattern, "/")
	parts := make([]string, len(segments))
	for i, seg := range segments {
		if strings.HasPrefix(seg, ":") {
			parts[i] = "[^/]+"
		} else {
			parts[i] = regexp.QuoteMeta(seg)
		}
	}

	return regexp.Compile("^" + strings.Join(parts, "/") + "$")
}

// RegisterRouter compiles the router's patterns. On CreateStream with no
// explicit schema key, the first matching pattern supplies it.
func (e *Engine) RegisterRouter(router Router) error {
	routes := make([]compiledRoute, 0, len(router.Streams))
	for _, def := range router.Streams {
		re, err := compilePattern(def.Pattern)
		if err != nil {
			return err
		}
		routes = append(routes, compiledRoute{pattern: def.Pattern, re: re, schemaKey: def.SchemaKey})
	}

	e.mu.Lock()
	e.routes = routes
	e.mu.Unlock()
	return nil
}

// schemaKeyForPath returns the schema key of the first matching route, or "".
func (e *Engine) schemaKeyForPath(path string) string {
	for _, route := range e.routes {
		if route.re.MatchString(path) {
			return route.schemaKey
		}
	}
	return ""
}
