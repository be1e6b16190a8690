package catalog

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestBuildTree(t *testing.T) {
	dairy := uuid.New()
	cheese := uuid.New()
	bakery := uuid.New()
	orphanParent := uuid.New()

	roots, err := BuildTree([]Category{
		{ID: cheese, Name: "Cheese", ParentID: &dairy},
		{ID: dairy, Name: "Dairy"},
		{ID: bakery, Name: "Bakery"},
		{ID: uuid.New(), Name: "Yoghurt", ParentID: &dairy},
		{ID: uuid.New(), Name: "Loose", ParentID: &orphanParent},
	})
	require.NoError(t, err)
	require.Len(t, roots, 3)
	require.Equal(t, "Bakery", roots[0].Name)
	require.Equal(t, "Dairy", roots[1].Name)
	require.Equal(t, "Loose", roots[2].Name)
	require.Len(t, roots[1].Children, 2)
	require.Equal(t, "Cheese", roots[1].Children[0].Name)
}

func TestBuildTreeDetectsCycle(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	_, err := BuildTree([]Category{
		{ID: a, Name: "A", ParentID: &b},
		{ID: b, Name: "B", ParentID: &a},
	})
	require.ErrorIs(t, err, ErrCategoryCycle)
}
