package prefetch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCollectsHrefAndSrcOrdered(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte(`
		<html><head><link href="/a.css"></head>
		<body><script src="b.js"></script><img src="/a.css"><a href="http://ext.example/x"></a></body></html>
	`), 0o644))

	m, err := Build(root)
	require.NoError(t, err)

	refs, ok := m["/index.html"]
	require.True(t, ok)
	assert.Equal(t, []string{"/a.css", "/b.js"}, refs)
}

func TestBuildSkipsExternalAndFragmentRefs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "page.html"), []byte(
		`<a href="#top"></a><a href="//cdn.example/z.js"></a>`), 0o644))

	m, err := Build(root)
	require.NoError(t, err)
	assert.Empty(t, m["/page.html"])
}

func TestBuildResolvesNestedDirectoryRelative(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "p.html"), []byte(
		`<script src="x.js"></script>`), 0o644))

	m, err := Build(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"/sub/x.js"}, m["/sub/p.html"])
}
