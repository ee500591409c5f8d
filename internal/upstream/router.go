package upstream

import (
	"fmt"
	"sort"
	"strings"
)

const (
	maxPatternLength    = 512
	maxPatternWildcards = 10
)

// Resolution is the outcome of routing a repository path.
type Resolution struct {
	Upstream *Upstream
	// Project is nil for single-project upstreams.
	Project *Project
	// EffectiveRepository is the repository path to use against the
	// upstream.
	EffectiveRepository string
	// Fallback is true when the default upstream was used because no
	// pattern matched.
	Fallback bool
}

// Scope returns the cache scope of the resolved upstream.
func (r *Resolution) Scope() string { return r.Upstream.Scope() }

// compiledRoute is one (upstream, project, pattern) triple ready for
// matching.
type compiledRoute struct {
	upstream *Upstream
	project  *Project
	segments []string // pattern split on "/"; segments are "*", "**" or literal
	// prefixLen counts the literal leading segments stripped during
	// rewrite.
	prefixLen int
}

// Router resolves repository paths to upstreams using glob patterns:
// `*` matches exactly one path segment, `**` zero or more, anything
// else is literal.
type Router struct {
	routes          []compiledRoute
	defaultUpstream *Upstream
}

// ValidatePattern enforces the pattern rules: bounded length, bounded
// wildcard count, no parent-directory segments, no control characters.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	if len(pattern) > maxPatternLength {
		return fmt.Errorf("pattern exceeds %d characters", maxPatternLength)
	}
	if strings.Count(pattern, "*") > maxPatternWildcards {
		return fmt.Errorf("pattern has more than %d wildcards", maxPatternWildcards)
	}
	for _, seg := range strings.Split(pattern, "/") {
		if seg == ".." {
			return fmt.Errorf("pattern must not contain '..' segments")
		}
	}
	for _, r := range pattern {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("pattern must not contain control characters")
		}
	}
	return nil
}

// NewRouter compiles routes for the given upstreams. Disabled upstreams
// contribute no routes but a disabled default upstream still does not
// serve as fallback.
func NewRouter(upstreams []*Upstream) (*Router, error) {
	r := &Router{}
	for _, u := range upstreams {
		if u.IsDefault && u.Enabled {
			r.defaultUpstream = u
		}
		if !u.Enabled {
			continue
		}
		for i := range u.Projects {
			p := &u.Projects[i]
			if err := ValidatePattern(p.Pattern); err != nil {
				return nil, fmt.Errorf("upstream %q project %q: %w", u.Name, p.Name, err)
			}
			segments := strings.Split(p.Pattern, "/")
			prefixLen := 0
			for _, seg := range segments {
				if strings.Contains(seg, "*") {
					break
				}
				prefixLen++
			}
			r.routes = append(r.routes, compiledRoute{
				upstream:  u,
				project:   p,
				segments:  segments,
				prefixLen: prefixLen,
			})
		}
	}

	// Deterministic match order: project priority, upstream priority,
	// upstream name.
	sort.SliceStable(r.routes, func(i, j int) bool {
		a, b := r.routes[i], r.routes[j]
		if a.project.Priority != b.project.Priority {
			return a.project.Priority < b.project.Priority
		}
		if a.upstream.Priority != b.upstream.Priority {
			return a.upstream.Priority < b.upstream.Priority
		}
		return a.upstream.Name < b.upstream.Name
	})

	return r, nil
}

// Resolve maps a repository path to an upstream and the effective
// repository to request from it.
func (r *Router) Resolve(repository string) (*Resolution, error) {
	parts := strings.Split(repository, "/")

	for i := range r.routes {
		route := &r.routes[i]
		if !matchSegments(route.segments, parts) {
			continue
		}
		remaining := strings.Join(parts[min(route.prefixLen, len(parts)):], "/")
		effective := route.project.Name
		if remaining != "" {
			effective = route.project.Name + "/" + remaining
		}
		return &Resolution{
			Upstream:            route.upstream,
			Project:             route.project,
			EffectiveRepository: effective,
		}, nil
	}

	if def := r.defaultUpstream; def != nil {
		if def.Registry != "" {
			return &Resolution{
				Upstream:            def,
				EffectiveRepository: def.Registry + "/" + repository,
				Fallback:            true,
			}, nil
		}
		if p := def.DefaultProject(); p != nil {
			return &Resolution{
				Upstream:            def,
				Project:             p,
				EffectiveRepository: p.Name + "/" + repository,
				Fallback:            true,
			}, nil
		}
	}

	return nil, ErrNoRoute
}

// matchSegments matches pattern segments against path segments. `**`
// consumes zero or more segments, `*` exactly one, everything else is a
// literal comparison.
func matchSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}

	switch pattern[0] {
	case "**":
		// Try consuming zero segments, then one more at a time.
		for skip := 0; skip <= len(path); skip++ {
			if matchSegments(pattern[1:], path[skip:]) {
				return true
			}
		}
		return false
	case "*":
		if len(path) == 0 {
			return false
		}
		return matchSegments(pattern[1:], path[1:])
	default:
		if len(path) == 0 || pattern[0] != path[0] {
			return false
		}
		return matchSegments(pattern[1:], path[1:])
	}
}
