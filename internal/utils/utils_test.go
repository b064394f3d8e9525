package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlicesWithout(t *testing.T) {
	coll := []string{"a", "b", "c"}

	assert.Equal(t, []string{"a", "c"}, SlicesWithout(coll, "b"))
	assert.Equal(t, []string{"a", "b", "c"}, SlicesWithout(coll, "d"))
	assert.Equal(t, []string{"a", "b", "c"}, coll, "original untouched")
}

func TestSp(t *testing.T) {
	out := Sp(`
		foo %d
		  bar
	`, 1)

	assert.Equal(t, "foo 1\n  bar\n", out)
}
