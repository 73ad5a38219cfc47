package errors_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	mperrors "github.com/robomesh/mapapi/internal/errors"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, mperrors.ErrCodeOK, mperrors.CodeOf(nil))
	assert.Equal(t, mperrors.ErrCodeLockConflict,
		mperrors.CodeOf(mperrors.LockConflict("deadbeef")))

	wrapped := fmt.Errorf("context: %w", mperrors.StaleUpdate("table", "id"))
	assert.Equal(t, mperrors.ErrCodeStaleUpdate, mperrors.CodeOf(wrapped))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, mperrors.IsRetryable(mperrors.PeerUnreachable("p", nil)))
	assert.True(t, mperrors.IsRetryable(mperrors.LockTimeout("c")))
	assert.False(t, mperrors.IsRetryable(mperrors.IdCollision("t", "i")))
	assert.False(t, mperrors.IsRetryable(mperrors.ConflictMatched("t", "f")))
	assert.False(t, mperrors.IsRetryable(nil))
}

func TestErrorFormatting(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := mperrors.PeerUnreachable("127.0.0.1:7850", cause)
	assert.Contains(t, err.Error(), "127.0.0.1:7850")
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, cause, err.Unwrap())
	assert.Equal(t, "127.0.0.1:7850", err.Details["peer"])
}
