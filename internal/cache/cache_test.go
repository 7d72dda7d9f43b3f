package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCacheSetGetLocalOnly(t *testing.T) {
	c := New(nil)
	defer c.Close()

	type orgRecord struct {
		ID   string
		Name string
	}

	ctx := context.Background()
	c.Set(ctx, NamespaceOrgByID, "org-1", orgRecord{ID: "org-1", Name: "Acme"}, time.Minute)

	var got orgRecord
	ok := c.Get(ctx, NamespaceOrgByID, "org-1", &got)
	require.True(t, ok)
	require.Equal(t, "Acme", got.Name)
}

func TestCacheMissReturnsFalse(t *testing.T) {
	c := New(nil)
	defer c.Close()

	var got string
	ok := c.Get(context.Background(), NamespaceUserByEmail, "nobody@example.com", &got)
	require.False(t, ok)
}

func TestCacheInvalidateRemovesEntry(t *testing.T) {
	c := New(nil)
	defer c.Close()

	ctx := context.Background()
	c.Set(ctx, NamespaceAPIKeyToOrg, "key-1", "org-1", time.Minute)
	c.Invalidate(ctx, NamespaceAPIKeyToOrg, "key-1")

	var got string
	ok := c.Get(ctx, NamespaceAPIKeyToOrg, "key-1", &got)
	require.False(t, ok)
}
