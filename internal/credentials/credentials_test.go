package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "github-mirror/internal/errors"
)

func TestTokenSource(t *testing.T) {
	p := NewStatic("ghp_secret", "octo")

	tok, err := TokenSource(p).Token()
	require.NoError(t, err)
	assert.Equal(t, "ghp_secret", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.Type())

	p.SignOut()
	_, err = TokenSource(p).Token()
	assert.ErrorIs(t, err, custom_errors.ErrNoCredential)
}

func TestStatic_SetLogin(t *testing.T) {
	p := NewStatic("t", "")
	p.SetLogin("octo")
	assert.Equal(t, "octo", p.Login())
}
