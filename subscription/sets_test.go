package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSets(t *testing.T) {
	s := make(sets)

	assert.True(t, s.add("e1", "u1"))
	assert.False(t, s.add("e1", "u2"))
	assert.False(t, s.add("e1", "u2"))
	assert.ElementsMatch(t, []string{"u1", "u2"}, s.members("e1"))

	removed, emptied := s.remove("e1", "nobody")
	assert.False(t, removed)
	assert.False(t, emptied)

	removed, emptied = s.remove("e1", "u1")
	assert.True(t, removed)
	assert.False(t, emptied)

	removed, emptied = s.remove("e1", "u2")
	assert.True(t, removed)
	assert.True(t, emptied)

	// The key is gone, not mapped to an empty set.
	assert.False(t, s.has("e1"))
	_, present := s["e1"]
	assert.False(t, present)
	assert.Empty(t, s.members("e1"))

	removed, _ = s.remove("e2", "u1")
	assert.False(t, removed)
}
