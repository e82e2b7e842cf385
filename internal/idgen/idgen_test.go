package idgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, New())
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("pur_")
	assert.True(t, Valid("pur_", id), id)
	assert.Len(t, id, len("pur_")+32)
	assert.False(t, Valid("led_", id))
}

func TestWithPrefix_Ordered(t *testing.T) {
	a := WithPrefix("pur_")
	b := WithPrefix("pur_")
	assert.Less(t, a, b)
}

func TestValid_Rejects(t *testing.T) {
	assert.False(t, Valid("pur_", "pur_xyz"))
	assert.False(t, Valid("pur_", "pur_"+"zz"+Hex(15)))
	assert.True(t, Valid("pur_", "pur_"+Hex(16)))
}
