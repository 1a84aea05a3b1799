package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrRateLimited(t *testing.T) {
	err := fmt.Errorf("refresh: %w", &ErrRateLimited{ResetIn: 90*time.Second + 300*time.Millisecond})

	assert.True(t, IsRateLimited(err))
	assert.False(t, IsRateLimited(errors.New("boom")))
	assert.Contains(t, err.Error(), "1m30s")
}

func TestErrInvalidRepoFormat(t *testing.T) {
	err := &ErrInvalidRepoFormat{Repo: "nope"}
	assert.Equal(t, `invalid repository format: "nope", expected 'owner/name'`, err.Error())
}
