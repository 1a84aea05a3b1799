package pinned

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "github-mirror/internal/errors"
)

func TestParseRepos(t *testing.T) {
	repos, err := ParseRepos([]string{"acme/widgets", " acme/gadgets "})
	require.NoError(t, err)
	assert.Equal(t, []Repo{{"acme", "widgets"}, {"acme", "gadgets"}}, repos)

	for _, bad := range []string{"acme", "acme/", "/widgets", "a/b/c"} {
		_, err := ParseRepos([]string{bad})
		var formatErr *custom_errors.ErrInvalidRepoFormat
		assert.ErrorAs(t, err, &formatErr, bad)
	}
}

func TestList_PinUnpin(t *testing.T) {
	l := NewList([]Repo{{"acme", "widgets"}, {"acme", "widgets"}})
	require.Len(t, l.Repos(), 1)

	var pinned []string
	l.OnPin(func(r Repo) { pinned = append(pinned, r.FullName()) })

	assert.False(t, l.Pin(Repo{"ACME", "Widgets"}), "already pinned")
	assert.True(t, l.Pin(Repo{"acme", "gadgets"}))
	assert.Equal(t, uint64(1), l.Version())
	assert.Equal(t, []string{"acme/gadgets"}, pinned)

	assert.True(t, l.Contains("acme/gadgets"))
	assert.True(t, l.Unpin(Repo{"acme", "gadgets"}))
	assert.False(t, l.Unpin(Repo{"acme", "gadgets"}))
	assert.Equal(t, uint64(2), l.Version())
}
