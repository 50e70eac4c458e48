package annotation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBucketKey(t *testing.T) {
	key, err := ParseBucketKey("obs:leiden:12")
	require.NoError(t, err)
	assert.Equal(t, BucketKey{FieldKey: "obs:leiden", CategoryIndex: 12}, key)
	assert.Equal(t, "obs:leiden:12", key.String())

	for _, bad := range []string{"", "leiden", ":3", "leiden:x", "leiden:-1", " :1"} {
		_, err := ParseBucketKey(bad)
		assert.ErrorIs(t, err, ErrValidation, bad)
	}
}

func TestDirectionJSON(t *testing.T) {
	data, err := json.Marshal(BundleVoteInfo{Vote: Down, Source: SourceDirect})
	require.NoError(t, err)
	assert.JSONEq(t, `{"vote":"down","source":"direct","delegatedUp":0,"delegatedDown":0}`, string(data))

	data, err = json.Marshal(BundleVoteInfo{Source: SourceNone})
	require.NoError(t, err)
	assert.JSONEq(t, `{"vote":null,"source":"none","delegatedUp":0,"delegatedDown":0}`, string(data))

	var body struct {
		Direction Direction `json:"direction"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"direction":"UP"}`), &body))
	assert.Equal(t, Up, body.Direction)
	assert.Error(t, json.Unmarshal([]byte(`{"direction":"sideways"}`), &body))
}

func TestNormalizeLabel(t *testing.T) {
	cases := map[string]string{
		"Macrophage ":          "macrophage",
		"  CD4+   T  cell":     "cd4+ t cell",
		"ＮＫ cell":              "nk cell",
		"Straße":               "strasse",
		"\tdendritic\ncell\t": "dendritic cell",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeLabel(in), in)
	}
}

func TestFindDuplicates(t *testing.T) {
	groups := findDuplicates([]SuggestionRecord{
		{ID: "a", Label: "B cell"},
		{ID: "b", Label: "T cell"},
		{ID: "c", Label: "b  CELL"},
		{ID: "d", Label: "t cell"},
		{ID: "e", Label: "NK cell"},
	})
	require.Len(t, groups, 2)
	assert.Equal(t, DuplicateGroup{Normalized: "b cell", SuggestionIDs: []string{"a", "c"}}, groups[0])
	assert.Equal(t, DuplicateGroup{Normalized: "t cell", SuggestionIDs: []string{"b", "d"}}, groups[1])
	assert.Nil(t, findDuplicates([]SuggestionRecord{{ID: "a", Label: "x"}}))
}
