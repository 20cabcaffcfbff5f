package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactAddress(t *testing.T) {
	a := RedactAddress("+255700000001")
	assert.Len(t, a, 12)
	assert.Equal(t, a, RedactAddress("+255700000001"))
	assert.NotEqual(t, a, RedactAddress("+255700000002"))
	assert.NotContains(t, a, "2557")
	assert.Empty(t, RedactAddress(""))
}
