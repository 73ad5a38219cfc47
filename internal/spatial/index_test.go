package spatial_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robomesh/mapapi/internal/spatial"
)

func TestBoundingBox_Validation(t *testing.T) {
	_, err := spatial.NewIndex("table", spatial.BoundingBox{{Min: 1, Max: 0}}, []int{2}, nil, nil, nil)
	assert.Error(t, err, "empty range must be rejected")

	_, err = spatial.NewIndex("table", spatial.BoundingBox{{Min: 0, Max: 2}}, []int{2, 2}, nil, nil, nil)
	assert.Error(t, err, "dimensionality mismatch must be rejected")

	_, err = spatial.NewIndex("table", spatial.BoundingBox{{Min: 0, Max: 2}}, []int{0}, nil, nil, nil)
	assert.Error(t, err, "zero subdivision must be rejected")
}

func TestIndex_CellDimensions(t *testing.T) {
	bounds := spatial.BoundingBox{{Min: 0, Max: 2}, {Min: 0, Max: 2}, {Min: 0, Max: 2}}
	index, err := spatial.NewIndex("table", bounds, []int{2, 2, 2}, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 8, index.Size())

	expected := []spatial.BoundingBox{
		{{Min: 0, Max: 1}, {Min: 0, Max: 1}, {Min: 0, Max: 1}},
		{{Min: 0, Max: 1}, {Min: 0, Max: 1}, {Min: 1, Max: 2}},
		{{Min: 0, Max: 1}, {Min: 1, Max: 2}, {Min: 0, Max: 1}},
		{{Min: 0, Max: 1}, {Min: 1, Max: 2}, {Min: 1, Max: 2}},
		{{Min: 1, Max: 2}, {Min: 0, Max: 1}, {Min: 0, Max: 1}},
		{{Min: 1, Max: 2}, {Min: 0, Max: 1}, {Min: 1, Max: 2}},
		{{Min: 1, Max: 2}, {Min: 1, Max: 2}, {Min: 0, Max: 1}},
		{{Min: 1, Max: 2}, {Min: 1, Max: 2}, {Min: 1, Max: 2}},
	}
	for position, want := range expected {
		assert.Equal(t, want, index.CellBox(position), "cell %d", position)
	}
}
