package mofka

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-hpc/mofka-go/errext"
)

func TestLoadGroup(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "group.json", []byte(`{
  "members": [
    { "address": "ws://node1:9420" },
    { "address": "ws://node2:9420" }
  ]
}`), 0o644))

	group, err := LoadGroup(fs, "group.json")
	require.NoError(t, err)
	require.Len(t, group.Members, 2)
	assert.Equal(t, "ws", group.Protocol())
	assert.Equal(t, "ws://node1:9420", group.Master())
}

func TestLoadGroupErrors(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	_, err := LoadGroup(fs, "missing.json")
	assert.Equal(t, errext.InvalidConfig, errext.KindOf(err))

	require.NoError(t, afero.WriteFile(fs, "empty.json", []byte(`{"members":[]}`), 0o644))
	_, err = LoadGroup(fs, "empty.json")
	assert.Equal(t, errext.InvalidConfig, errext.KindOf(err))
}

func TestSaveGroupRoundTrip(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	group := Group{Members: []GroupMember{{Address: "ws://host:1"}}}
	require.NoError(t, SaveGroup(fs, "g.json", group))
	loaded, err := LoadGroup(fs, "g.json")
	require.NoError(t, err)
	assert.Equal(t, group, loaded)
}
