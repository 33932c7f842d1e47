// Package prefetch builds, once at server startup, the map from an HTML
// page's canonical URI to the ordered, de-duplicated list of canonical
// URIs it references via href/src attributes.
package prefetch

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"

	"github.com/omalloc/surge/pkg/canon"
)

// Map is immutable once built: canonical URI -> ordered referenced URIs.
type Map map[string][]string

// Build walks root recursively, parses every .html file once, and returns
// the immutable prefetch map. cmd/surge-server loads it into prefetchdb at
// startup; the connection scheduler in package server does not read it.
func Build(root string) (Map, error) {
	out := make(Map)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".html") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		key := canon.URI("/" + filepath.ToSlash(rel))

		refs, err := extractReferences(path, filepath.Dir(rel))
		if err != nil {
			return nil // best-effort: a malformed page is skipped, not fatal
		}
		out[key] = refs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// extractReferences tokenizes one HTML file and returns the de-duplicated,
// order-preserving list of canonical URIs its href/src attributes name,
// resolved relative to dir (the file's directory under the server root).
func extractReferences(path, dir string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ExtractReferences(f, dir)
}

// ExtractReferences tokenizes HTML read from r and returns the
// de-duplicated, order-preserving list of canonical URIs its href/src
// attributes name, resolved relative to dir. Build uses it against an
// opened file; the proxy correlator's dynamic prefetch (spec.md §4.10)
// uses it directly against a miss response's body bytes, since the proxy
// never has its own copy of the server root to walk.
func ExtractReferences(r io.Reader, dir string) ([]string, error) {
	seen := make(map[string]struct{})
	var refs []string

	z := html.NewTokenizer(r)
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		for _, attr := range tok.Attr {
			if attr.Key != "href" && attr.Key != "src" {
				continue
			}
			if isExternal(attr.Val) {
				continue
			}
			uri := canon.URI(joinRel(dir, attr.Val))
			if _, ok := seen[uri]; ok {
				continue
			}
			seen[uri] = struct{}{}
			refs = append(refs, uri)
		}
	}
	return refs, nil
}

func isExternal(ref string) bool {
	return strings.Contains(ref, "://") || strings.HasPrefix(ref, "//") || strings.HasPrefix(ref, "#")
}

// joinRel resolves ref relative to the HTML file's directory (dir is
// relative to the server root already), re-expressed as a server-root URI.
func joinRel(dir, ref string) string {
	if strings.HasPrefix(ref, "/") {
		return ref
	}
	joined := filepath.ToSlash(filepath.Join(dir, ref))
	return "/" + joined
}
