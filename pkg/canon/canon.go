// Package canon implements the canonical-URI rule shared by the cache key,
// the prefetch map key, and the connection scheduler's path resolution:
// "/" -> "/index.html", trailing "?" stripped, path cleaned.
package canon

import (
	"path"
	"strings"
)

// URI canonicalises uri into the cache-key form: leading "/", no "?"
// suffix, "."/".." resolved. Idempotent: URI(URI(x)) == URI(x).
func URI(uri string) string {
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		uri = uri[:i]
	}
	if uri == "" || uri == "/" {
		return "/index.html"
	}
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	cleaned := path.Clean(uri)
	if cleaned == "/" {
		return "/index.html"
	}
	return cleaned
}

// FilePath maps a canonical URI to the origin server's filesystem path,
// rooted at root.
func FilePath(root, canonicalURI string) string {
	return path.Join(root, strings.TrimPrefix(canonicalURI, "/"))
}

// MetadataPath drops the leading "/" for the server->client metadata
// packet's path field.
func MetadataPath(canonicalURI string) string {
	return strings.TrimPrefix(canonicalURI, "/")
}
