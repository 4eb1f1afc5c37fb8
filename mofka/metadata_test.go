package mofka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataRepresentationsStayCoherent(t *testing.T) {
	t.Parallel()

	m := MetadataFromString(`{"k":1,"nested":{"x":"y"}}`)
	doc, err := m.Document()
	require.NoError(t, err)
	assert.Equal(t, float64(1), doc["k"])

	// mutating the tree invalidates the text until regenerated
	m.SetDocument(map[string]interface{}{"k": 2})
	assert.JSONEq(t, `{"k":2}`, m.String())

	// mutating the text invalidates the tree
	m.SetString(`{"k":3}`)
	doc, err = m.Document()
	require.NoError(t, err)
	assert.Equal(t, float64(3), doc["k"])
}

func TestMetadataQuery(t *testing.T) {
	t.Parallel()

	m := MetadataFromString(`{"event_num":7,"tags":["a","b"]}`)
	assert.Equal(t, int64(7), m.Query("event_num").Int())
	assert.Equal(t, "b", m.Query("tags.1").String())
	assert.False(t, m.Query("missing").Exists())
}

func TestMetadataWellFormed(t *testing.T) {
	t.Parallel()

	assert.True(t, MetadataFromString(`{"ok":true}`).WellFormed())
	assert.False(t, MetadataFromString(`{"ok":`).WellFormed())
	assert.True(t, NewMetadata().WellFormed())

	_, err := MetadataFromString(`not json`).Document()
	assert.Error(t, err)
}

func TestDataSegments(t *testing.T) {
	t.Parallel()

	d := NewData([]byte("abc"), []byte(""), []byte("de"))
	assert.Equal(t, uint64(5), d.Size())
	assert.Equal(t, []byte("abcde"), d.Bytes())
	d.Close() // borrowed data, no-op

	freed := 0
	owned := OwnedData(func() { freed++ }, [][]byte{[]byte("xyz")})
	copyOfOwned := owned
	owned.Close()
	copyOfOwned.Close()
	owned.Close()
	assert.Equal(t, 1, freed, "the free callback must run exactly once")
}
