package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraph-dev/orchestrator/internal/domain"
)

func TestGenerateProducesExpectedShape(t *testing.T) {
	r := NewRegistry()
	id := r.Generate("/pkg/server.go", "HandleRequest", domain.POIFunction)
	assert.Equal(t, "srv_func_handle_request", id)
}

func TestGenerateResolvesCollisionsWithIncrementingSuffix(t *testing.T) {
	r := NewRegistry()
	first := r.Generate("/pkg/a.go", "Foo", domain.POIFunction)
	second := r.Generate("/pkg/a.go", "Foo", domain.POIFunction)
	third := r.Generate("/pkg/a.go", "Foo", domain.POIFunction)

	assert.Equal(t, "a_func_foo", first)
	assert.Equal(t, "a_func_foo_1", second)
	assert.Equal(t, "a_func_foo_2", third)
}

func TestSeedPreventsReassigningExistingIDs(t *testing.T) {
	r := NewRegistry()
	r.Seed([]string{"a_func_foo"})

	id := r.Generate("/pkg/a.go", "Foo", domain.POIFunction)
	assert.Equal(t, "a_func_foo_1", id)
}

func TestFilePrefixUsesAbbreviationTable(t *testing.T) {
	r := NewRegistry()
	id := r.Generate("/pkg/index.js", "render", domain.POIFunction)
	assert.Equal(t, "idx_func_render", id)
}

func TestFilePrefixIsCachedPerFile(t *testing.T) {
	r := NewRegistry()
	first := r.filePrefixFor("/pkg/server.go")
	second := r.filePrefixFor("/pkg/server.go")
	assert.Equal(t, first, second)
}

func TestFilePrefixFallsBackToFileWhenEmpty(t *testing.T) {
	r := NewRegistry()
	prefix := r.filePrefixFor("/pkg/___.go")
	assert.Equal(t, "file", prefix)
}

func TestNormalizeNameSplitsCamelCaseAndTruncates(t *testing.T) {
	assert.Equal(t, "handle_request", normalizeName("HandleRequest"))
	assert.Equal(t, "anon", normalizeName("___"))
	assert.LessOrEqual(t, len(normalizeName("AVeryLongIdentifierNameThatExceedsTheTwentyCharacterLimit")), 20)
}

func TestParseReversesGenerate(t *testing.T) {
	r := NewRegistry()
	id := r.Generate("/pkg/a.go", "Foo", domain.POIFunction)
	parsed, err := Parse(id)
	require.NoError(t, err)
	assert.Equal(t, "a", parsed.FilePrefix)
	assert.Equal(t, "func", parsed.KindTag)
	assert.Equal(t, "foo", parsed.Name)
	assert.Zero(t, parsed.Suffix)
}

func TestParseRecoversCollisionSuffix(t *testing.T) {
	parsed, err := Parse("a_func_foo_2")
	require.NoError(t, err)
	assert.Equal(t, 2, parsed.Suffix)
	assert.Equal(t, "foo", parsed.Name)
}

func TestParseRejectsMalformedIdentifier(t *testing.T) {
	_, err := Parse("tooshort")
	assert.Error(t, err)
}
