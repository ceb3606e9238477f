package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONStringArray_Scan(t *testing.T) {
	var a JSONStringArray
	require.NoError(t, a.Scan([]byte(`["w1","w2"]`)))
	assert.Equal(t, JSONStringArray{"w1", "w2"}, a)

	require.NoError(t, a.Scan(nil))
	assert.Nil(t, a)

	assert.Error(t, a.Scan(42))

	v, err := JSONStringArray(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}
