package prov

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := NewDuplicateEntity(KindTask, "Calib A")
	wrapped := fmt.Errorf("register: %w", err)

	assert.True(t, errors.Is(wrapped, ErrDuplicateEntity))
	assert.False(t, errors.Is(wrapped, ErrUnknownEntity))
	assert.Equal(t, ErrCodeDuplicateEntity, CodeOf(wrapped))
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with entity",
			err:  NewUnknownEntity(KindTask, "WCS Determination"),
			want: "UNKNOWN_ENTITY: no entity with an open configuration (task=WCS Determination)",
		},
		{
			name: "without entity",
			err:  NewNoNodesAvailable("A"),
			want: "NO_NODES_AVAILABLE: node pool A is empty",
		},
		{
			name: "with cause",
			err:  NewTransactionAborted(errors.New("database is locked")),
			want: "TRANSACTION_ABORTED: transaction aborted: database is locked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_UnwrapCause(t *testing.T) {
	cause := errors.New("deadlock detected")
	err := NewTransactionAborted(cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrTransactionAborted))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("admit: %w", NewTransactionAborted(nil))))
	assert.False(t, IsRetryable(NewDuplicateEntity(KindNode, "lsst7")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestCodeOf_NonRegistryError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}
