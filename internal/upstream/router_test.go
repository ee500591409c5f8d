package upstream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func projectUpstream(name string, priority int, isDefault bool, projects ...Project) *Upstream {
	return &Upstream{
		Name:      name,
		URL:       "https://" + name + ".example.com",
		Projects:  projects,
		Priority:  priority,
		Enabled:   true,
		IsDefault: isDefault,
	}
}

func TestResolveProjectRouting(t *testing.T) {
	u1 := projectUpstream("u1", 100, true,
		Project{Name: "library", Pattern: "library/*", Priority: 100, IsDefault: true})
	u2 := projectUpstream("u2", 100, false,
		Project{Name: "team-a", Pattern: "team-a/**", Priority: 50})

	router, err := NewRouter([]*Upstream{u1, u2})
	require.NoError(t, err)

	res, err := router.Resolve("library/nginx")
	require.NoError(t, err)
	assert.Equal(t, "u1", res.Upstream.Name)
	assert.Equal(t, "library/nginx", res.EffectiveRepository)
	assert.False(t, res.Fallback)

	res, err = router.Resolve("team-a/sub/svc")
	require.NoError(t, err)
	assert.Equal(t, "u2", res.Upstream.Name)
	assert.Equal(t, "team-a/sub/svc", res.EffectiveRepository)

	// No pattern matches; the default upstream's default project takes
	// the whole original path.
	res, err = router.Resolve("other/x")
	require.NoError(t, err)
	assert.Equal(t, "u1", res.Upstream.Name)
	assert.Equal(t, "library/other/x", res.EffectiveRepository)
	assert.True(t, res.Fallback)
}

func TestResolveSingleWildcardDoesNotCrossSegments(t *testing.T) {
	u := projectUpstream("u1", 100, false,
		Project{Name: "library", Pattern: "library/*", Priority: 100})
	router, err := NewRouter([]*Upstream{u})
	require.NoError(t, err)

	_, err = router.Resolve("library/a/b")
	assert.ErrorIs(t, err, ErrNoRoute)

	_, err = router.Resolve("library")
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestResolveMultiWildcardMatchesZeroSegments(t *testing.T) {
	u := projectUpstream("u1", 100, false,
		Project{Name: "mirror", Pattern: "mirror/**", Priority: 100})
	router, err := NewRouter([]*Upstream{u})
	require.NoError(t, err)

	res, err := router.Resolve("mirror")
	require.NoError(t, err)
	assert.Equal(t, "mirror", res.EffectiveRepository)

	res, err = router.Resolve("mirror/a/b/c")
	require.NoError(t, err)
	assert.Equal(t, "mirror/a/b/c", res.EffectiveRepository)
}

func TestResolvePriorityOrdering(t *testing.T) {
	// Lower project priority wins; upstream priority and name break
	// ties.
	a := projectUpstream("alpha", 200, false,
		Project{Name: "shared", Pattern: "apps/*", Priority: 100})
	b := projectUpstream("beta", 100, false,
		Project{Name: "shared", Pattern: "apps/*", Priority: 100})
	c := projectUpstream("gamma", 50, false,
		Project{Name: "shared", Pattern: "apps/*", Priority: 50})

	router, err := NewRouter([]*Upstream{a, b, c})
	require.NoError(t, err)

	res, err := router.Resolve("apps/web")
	require.NoError(t, err)
	assert.Equal(t, "gamma", res.Upstream.Name)

	// Drop gamma; beta wins over alpha on upstream priority.
	router, err = NewRouter([]*Upstream{a, b})
	require.NoError(t, err)
	res, err = router.Resolve("apps/web")
	require.NoError(t, err)
	assert.Equal(t, "beta", res.Upstream.Name)

	// Equal priorities; name decides.
	b.Priority = 200
	router, err = NewRouter([]*Upstream{a, b})
	require.NoError(t, err)
	res, err = router.Resolve("apps/web")
	require.NoError(t, err)
	assert.Equal(t, "alpha", res.Upstream.Name)
}

func TestResolveDisabledUpstream(t *testing.T) {
	u := projectUpstream("u1", 100, true,
		Project{Name: "library", Pattern: "library/*", Priority: 100, IsDefault: true})
	u.Enabled = false

	router, err := NewRouter([]*Upstream{u})
	require.NoError(t, err)

	_, err = router.Resolve("library/nginx")
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestResolveSingleProjectDefault(t *testing.T) {
	u := &Upstream{
		Name:      "harbor",
		URL:       "https://harbor.example.com",
		Registry:  "proxy",
		Priority:  100,
		Enabled:   true,
		IsDefault: true,
	}
	router, err := NewRouter([]*Upstream{u})
	require.NoError(t, err)

	res, err := router.Resolve("library/alpine")
	require.NoError(t, err)
	assert.Equal(t, "proxy/library/alpine", res.EffectiveRepository)
	assert.True(t, res.Fallback)
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, ValidatePattern("library/*"))
	assert.NoError(t, ValidatePattern("a/**/b"))

	assert.Error(t, ValidatePattern(""))
	assert.Error(t, ValidatePattern(strings.Repeat("a", 513)))
	assert.Error(t, ValidatePattern(strings.Repeat("*/", 11)+"x"))
	assert.Error(t, ValidatePattern("a/../b"))
	assert.Error(t, ValidatePattern("a/\x01b"))
}

func TestScopeIsolation(t *testing.T) {
	shared := &Upstream{Name: "one"}
	isolated := &Upstream{Name: "two", Isolated: true}

	assert.Equal(t, "", shared.Scope())
	assert.Equal(t, "two", isolated.Scope())
}
