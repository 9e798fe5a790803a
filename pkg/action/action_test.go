package action

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapLookup(t *testing.T) {
	m := Map{
		"list": &Query{Resolve: func(ctx context.Context, params any) (any, error) {
			return nil, nil
		}},
	}

	act, err := m.Lookup("list")
	require.NoError(t, err)
	assert.NotNil(t, act)

	_, err = m.Lookup("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownAction)
	assert.Contains(t, err.Error(), `"missing"`)
}
