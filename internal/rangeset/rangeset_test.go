package rangeset

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestAddMergesAdjacentAndOverlapping(t *testing.T) {
	var s Set
	s.Add(1)
	s.Add(2)
	s.AddRange(5, 7)
	s.Add(4)

	want := []Range{{Low: 1, High: 2}, {Low: 4, High: 7}}
	if diff := cmp.Diff(want, s.Ranges()); diff != "" {
		t.Fatalf("unexpected ranges (-want +got):\n%s", diff)
	}
	require.Equal(t, 6, s.Len())
}

func TestRemoveSplitsRange(t *testing.T) {
	var s Set
	s.AddRange(1, 10)
	s.Remove(5)

	want := []Range{{Low: 1, High: 4}, {Low: 6, High: 10}}
	if diff := cmp.Diff(want, s.Ranges()); diff != "" {
		t.Fatalf("unexpected ranges after split (-want +got):\n%s", diff)
	}
}

func TestRemoveEdgesShrinksRange(t *testing.T) {
	var s Set
	s.AddRange(1, 10)
	s.Remove(1)
	s.Remove(10)

	want := []Range{{Low: 2, High: 9}}
	if diff := cmp.Diff(want, s.Ranges()); diff != "" {
		t.Fatalf("unexpected ranges after edge removal (-want +got):\n%s", diff)
	}
}

func TestContainsAndEmpty(t *testing.T) {
	var s Set
	require.True(t, s.Empty())

	s.AddRange(10, 20)
	require.False(t, s.Empty())
	require.True(t, s.Contains(15))
	require.False(t, s.Contains(21))
}
