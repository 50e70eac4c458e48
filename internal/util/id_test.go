package util

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIDShape(t *testing.T) {
	id := NewID("sug")
	assert.Len(t, id, len("sug_")+32)
	assert.True(t, strings.HasPrefix(id, "sug_"))

	bare := NewID("")
	assert.Len(t, bare, 32)
	assert.NotContains(t, bare, "_")
}

func TestNewIDIsTimeOrdered(t *testing.T) {
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = NewID("cmt")
	}
	assert.True(t, sort.StringsAreSorted(ids), "ids should sort in creation order")
	assert.NotEqual(t, ids[0], ids[1])
}
