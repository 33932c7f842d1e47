package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootMapsToIndex(t *testing.T) {
	assert.Equal(t, "/index.html", URI("/"))
	assert.Equal(t, "/index.html", URI(""))
}

func TestStripsQuery(t *testing.T) {
	assert.Equal(t, "/a.css", URI("/a.css?v=2"))
}

func TestResolvesDotSegments(t *testing.T) {
	assert.Equal(t, "/b.js", URI("/a/../b.js"))
	assert.Equal(t, "/a/b.js", URI("/a/./b.js"))
}

func TestIdempotent(t *testing.T) {
	inputs := []string{"/", "/a.css?x=1", "/a/../b.js", "/c/d/e.html"}
	for _, in := range inputs {
		once := URI(in)
		twice := URI(once)
		assert.Equal(t, once, twice, "canon not idempotent for %q", in)
	}
}

func TestMetadataPathDropsLeadingSlash(t *testing.T) {
	assert.Equal(t, "index.html", MetadataPath("/index.html"))
}
