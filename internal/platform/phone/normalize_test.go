package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestE164(t *testing.T) {
	n := NewNormalizer("")

	got, err := n.E164(" 98765 43210 ")
	require.NoError(t, err)
	assert.Equal(t, "+919876543210", got)

	got, err = n.E164("+1 650-253-0000")
	require.NoError(t, err)
	assert.Equal(t, "+16502530000", got)

	_, err = n.E164("")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = n.E164("12")
	assert.ErrorIs(t, err, ErrInvalid)
}
