// Package reference implements the Reference Resolver (C2): parsing FHIR
// reference strings against a directory base URL, and namespacing
// resource ids (and every reference to them) with a per-directory
// prefix so resources from many upstream directories can coexist in one
// local FHIR store without id collisions.
package reference

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// maxFHIRIDLength is the FHIR spec's id length limit (64 characters).
const maxFHIRIDLength = 64

// Ref is a parsed, type-tagged reference.
type Ref struct {
	ResourceType string
	ID           string
}

// ParseReference implements spec.md §4.2: trims and rejects empty
// strings, parses absolute URLs by taking the two path segments before
// "_history" (or the trailing two segments otherwise), and otherwise
// requires an exact "Type/id" shape. When baseURL is non-empty, an
// absolute reference whose origin/path-prefix does not match it (the
// MatchesBase rule) is rejected; with an empty baseURL no such check is
// made.
func ParseReference(refString, baseURL string) (Ref, error) {
	trimmed := strings.TrimSpace(refString)
	if trimmed == "" {
		return Ref{}, fmt.Errorf("empty reference")
	}

	if strings.HasPrefix(trimmed, "#") {
		return Ref{}, fmt.Errorf("contained reference %q is not namespaceable", trimmed)
	}

	if u, err := url.Parse(trimmed); err == nil && u.IsAbs() {
		if baseURL != "" {
			if ok, err := matchesBase(u, baseURL); err != nil {
				return Ref{}, err
			} else if !ok {
				return Ref{}, fmt.Errorf("reference %q does not belong to directory base %q", trimmed, baseURL)
			}
		}
		segments := strings.Split(strings.Trim(u.Path, "/"), "/")
		if idx := indexOf(segments, "_history"); idx >= 2 {
			segments = segments[idx-2 : idx]
		} else if len(segments) >= 2 {
			segments = segments[len(segments)-2:]
		} else {
			return Ref{}, fmt.Errorf("absolute reference %q has fewer than two path segments", trimmed)
		}
		return Ref{ResourceType: segments[0], ID: segments[1]}, nil
	}

	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Ref{}, fmt.Errorf("reference %q is not of the form Type/id", trimmed)
	}
	return Ref{ResourceType: parts[0], ID: parts[1]}, nil
}

// MatchesBase reports whether refString's absolute origin+path-prefix
// equals baseURL. Relative references always match (nothing to compare).
func MatchesBase(refString, baseURL string) (bool, error) {
	u, err := url.Parse(strings.TrimSpace(refString))
	if err != nil {
		return false, err
	}
	if !u.IsAbs() {
		return true, nil
	}
	return matchesBase(u, baseURL)
}

func matchesBase(u *url.URL, baseURL string) (bool, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return false, fmt.Errorf("invalid directory base URL %q: %w", baseURL, err)
	}
	if u.Scheme != base.Scheme || u.Host != base.Host {
		return false, nil
	}
	basePath := strings.TrimRight(base.Path, "/")
	return strings.HasPrefix(u.Path, basePath), nil
}

func indexOf(segments []string, target string) int {
	for i, s := range segments {
		if s == target {
			return i
		}
	}
	return -1
}

// NamespaceID returns the namespaced local id for an upstream id under a
// directory namespace: "{namespace}-{id}" unless that would exceed the
// FHIR id length limit, in which case the hex SHA-256 digest of
// "{namespace}|{id}" is used instead.
func NamespaceID(namespace, id string) string {
	candidate := namespace + "-" + id
	if len(candidate) <= maxFHIRIDLength {
		return candidate
	}
	sum := sha256.Sum256([]byte(namespace + "|" + id))
	return hex.EncodeToString(sum[:])
}

// NamespaceResource walks resource (decoded as map[string]any) and
// rewrites every "Type/id" value under a "reference" key to
// "Type/{namespace}-{id}" (or the hashed form). Contained references
// ("#local") are left untouched. The resource's own id is not touched
// here -- that is the Transaction Assembler's job.
func NamespaceResource(resource map[string]any, namespace string) {
	namespaceValue(resource, namespace)
}

func namespaceValue(v any, namespace string) {
	switch val := v.(type) {
	case map[string]any:
		if ref, ok := val["reference"].(string); ok {
			if parts := strings.SplitN(ref, "/", 2); len(parts) == 2 && !strings.HasPrefix(ref, "#") {
				val["reference"] = parts[0] + "/" + NamespaceID(namespace, parts[1])
			}
		}
		for _, child := range val {
			namespaceValue(child, namespace)
		}
	case []any:
		for _, item := range val {
			namespaceValue(item, namespace)
		}
	}
}
