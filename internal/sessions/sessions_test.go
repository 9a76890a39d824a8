package sessions

import (
	"testing"

	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/stretchr/testify/require"
)

func TestPreferenceOverlay(t *testing.T) {
	t.Parallel()

	p := NewPreferences()
	p.Rename("main", "  Home ")
	require.Equal(t, "Home", p.Get("main").Alias)

	require.True(t, p.TogglePinned("main"))
	require.False(t, p.TogglePinned("main"))

	p.Rename("main", "")
	_, ok := p.Entries["main"]
	require.False(t, ok, "empty preference is dropped")

	clone := p.Clone()
	clone.Rename("x", "y")
	require.Empty(t, p.Get("x").Alias)
}

func TestMergeOrdering(t *testing.T) {
	t.Parallel()

	prefs := NewPreferences()
	prefs.Set("project-a", Preference{Pinned: true})
	prefs.Set("draft", Preference{Alias: "Draft", CreatedAt: 50})
	prefs.Set("main", Preference{Alias: "Home"})

	entries := Merge([]gateway.SessionInfo{
		{Key: "main", Label: "Main", UpdatedAt: 10},
		{Key: "project-a", UpdatedAt: 5},
		{Key: "old", UpdatedAt: 1},
	}, prefs, "scratch")

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	require.Equal(t, []string{"project-a", "draft", "main", "old", "scratch"}, keys)

	require.True(t, entries[0].Pinned)
	require.True(t, entries[1].LocalOnly)
	require.Equal(t, "Home", entries[2].DisplayName())
	require.Equal(t, "old", entries[3].DisplayName())
	require.True(t, entries[4].Current)
	require.True(t, entries[4].LocalOnly)
}

func TestCodec(t *testing.T) {
	t.Parallel()

	p := NewPreferences()
	p.Rename("main", "Home")
	p.LastSessionKey = "main"

	data, err := Encode(p)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, p, got)

	empty, err := Decode(nil)
	require.NoError(t, err)
	require.NotNil(t, empty.Entries)

	_, err = Decode([]byte("{"))
	require.Error(t, err)

	noEntries, err := Decode([]byte(`{"lastSessionKey":"x"}`))
	require.NoError(t, err)
	require.NotNil(t, noEntries.Entries)
}
