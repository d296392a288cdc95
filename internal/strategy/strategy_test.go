package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllTagsDefined(t *testing.T) {
	require.Len(t, All, 9)
	for _, tag := range All {
		assert.True(t, tag.Valid(), tag)
		assert.NotEmpty(t, tag.Name(), tag)
		assert.Contains(t, tag.Detailed(), string(tag))
	}
	assert.False(t, Tag("X9").Valid())
}

func TestShortDefinitionsNumbered(t *testing.T) {
	defs := ShortDefinitions()
	require.Len(t, defs, 9)
	assert.Contains(t, defs[0], "1. T1: Format Transformation")
	assert.Contains(t, defs[8], "9. D2")
}

func TestNeedsSplit(t *testing.T) {
	tests := []struct {
		tags []Tag
		want bool
	}{
		{nil, false},
		{[]Tag{FormatTransform}, false},
		{[]Tag{UnitTransform, SemanticMapping}, false},
		{[]Tag{Arithmetic}, true},
		{[]Tag{FormatTransform, Disambiguation}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NeedsSplit(tt.tags), tt.tags)
	}
}

func TestParse(t *testing.T) {
	tags, err := Parse([]string{"T1", " R4 "})
	require.NoError(t, err)
	assert.Equal(t, []Tag{FormatTransform, MultiHop}, tags)
	assert.Equal(t, []string{"T1", "R4"}, Strings(tags))

	_, err = Parse([]string{"T1", "Z1"})
	assert.Error(t, err)
}
