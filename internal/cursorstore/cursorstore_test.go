package cursorstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorGetSet(t *testing.T) {
	var c Cursor
	_, ok := c.Get(ACLDirsyncCookie)
	require.False(t, ok)

	c.Set(ACLDirsyncCookie, "C1")
	v, ok := c.Get(ACLDirsyncCookie)
	require.True(t, ok)
	require.Equal(t, "C1", v)
}

func TestCursorSetInitializesNilMap(t *testing.T) {
	c := Cursor{}
	c.Set("page_token", "abc")
	require.Equal(t, "abc", c.Data["page_token"])
}
