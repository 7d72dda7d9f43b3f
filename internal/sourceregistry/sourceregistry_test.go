package sourceregistry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/airweave-ai/airweave-core/internal/credentials"
)

func TestRegisterAndGet(t *testing.T) {
	r := New()
	err := r.Register(Entry{
		ShortName:   "slack",
		DisplayName: "Slack",
		AuthMethods: []credentials.AuthMethod{credentials.AuthMethodOAuthBrowser, credentials.AuthMethodOAuthToken},
	})
	require.NoError(t, err)

	e, ok := r.Get("slack")
	require.True(t, ok)
	require.True(t, e.SupportsAuthMethod(credentials.AuthMethodOAuthToken))
	require.False(t, e.SupportsAuthMethod(credentials.AuthMethodDirect))
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Entry{ShortName: "github"}))
	err := r.Register(Entry{ShortName: "github"})
	require.Error(t, err)
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := New()
	r.MustRegister(Entry{ShortName: "b"})
	r.MustRegister(Entry{ShortName: "a"})
	r.MustRegister(Entry{ShortName: "c"})

	var names []string
	for _, e := range r.List() {
		names = append(names, e.ShortName)
	}
	require.Equal(t, []string{"b", "a", "c"}, names)
}

func TestGetMissingReturnsFalse(t *testing.T) {
	r := New()
	_, ok := r.Get("nonexistent")
	require.False(t, ok)
}
