package registry

import (
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
)

var (
	// nameComponent is one OCI repository name component.
	nameComponent = regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*$`)

	// tagPattern matches a valid tag reference.
	tagPattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)
)

// validRepositoryName checks a slash-separated repository path against
// the OCI naming grammar.
func validRepositoryName(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	for _, component := range strings.Split(name, "/") {
		if !nameComponent.MatchString(component) {
			return false
		}
	}
	return true
}

// validTag checks a tag reference.
func validTag(tag string) bool {
	return tagPattern.MatchString(tag)
}

// parseReference classifies a reference as digest or tag. It returns
// the parsed digest when the reference is one, and ok=false when the
// reference is neither a valid tag nor a valid digest.
func parseReference(reference string) (dgst digest.Digest, isDigest bool, ok bool) {
	if strings.Contains(reference, ":") {
		d, err := digest.Parse(reference)
		if err != nil {
			return "", false, false
		}
		return d, true, true
	}
	if validTag(reference) {
		return "", false, true
	}
	return "", false, false
}
