package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClosestMatch(t *testing.T) {
	assert.Equal(t, "listen", closestMatch("lisen", knownKeys["transport"]))
	assert.Equal(t, "", closestMatch("completely_different", knownKeys["transport"]))
	assert.Equal(t, "gdrive", closestMatch("gdrvie", knownSections))
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("abc", "abc"))
	assert.Equal(t, 3, levenshtein("", "abc"))
	assert.Equal(t, 1, levenshtein("abc", "abd"))
	assert.Equal(t, 2, levenshtein("abc", "acb"))
}
