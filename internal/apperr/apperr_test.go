package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindsMatchThroughWrapping(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("start loop: %w", Conflict("scope %s already has an active loop", "prd:1"))
	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "prd:1")
}

func TestCauseIsUnwrapped(t *testing.T) {
	t.Parallel()
	cause := errors.New("exec: not found")
	err := Session(cause, "spawn agent")
	assert.ErrorIs(t, err, ErrSession)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "spawn agent: exec: not found", err.Error())
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{Validation("workspacePath required"), http.StatusBadRequest},
		{NotFound("loop", "x"), http.StatusNotFound},
		{Conflict("dup"), http.StatusConflict},
		{RestoreConflict(nil, "stash apply"), http.StatusConflict},
		{Sync(nil, "jira"), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, HTTPStatus(c.err), "%v", c.err)
	}
}
