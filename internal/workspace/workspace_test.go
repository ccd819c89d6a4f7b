package workspace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticBinderIsMember(t *testing.T) {
	b := NewStaticBinder(map[string][]string{
		"account-a": {"ws-1", "ws-2"},
	})

	ok, err := b.IsMember(context.Background(), "account-a", "ws-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.IsMember(context.Background(), "account-a", "ws-unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.IsMember(context.Background(), "account-unknown", "ws-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllowAllBinderIsMember(t *testing.T) {
	b := NewAllowAllBinder()

	ok, err := b.IsMember(context.Background(), "any-account", "any-workspace")
	require.NoError(t, err)
	assert.True(t, ok)
}
