package pagination_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/oggyb/match-credits/internal/errors"
	"github.com/oggyb/match-credits/internal/utils/pagination"
)

func TestCursorRoundTrip(t *testing.T) {
	token, err := pagination.Encode(pagination.Cursor{LastID: 42})
	require.NoError(t, err)
	assert.Equal(t, "eyJsYXN0X2lkIjo0Mn0", token)

	c, err := pagination.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), c.LastID)
}

func TestDecodeEmptyIsFirstPage(t *testing.T) {
	c, err := pagination.Decode("")
	require.NoError(t, err)
	assert.True(t, c.IsZero())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, token := range []string{"!!!", "bm90LWpzb24", "eyJsYXN0X2lkIjowfQ"} {
		_, err := pagination.Decode(token)
		assert.True(t, apperrors.IsValidation(err), token)
	}
}
