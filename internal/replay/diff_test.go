package replay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/state"
)

func TestDiffBetween(t *testing.T) {
	m := &memStore{}
	m.addSnapshot(snapshotOf(t, user, "snap-0", day0, baseState()))
	m.add(create(user, "exp-3", 150, day(2)))
	m.add(update(user, "exp-1", 450, day(2)))
	m.add(remove(user, "exp-2", day(3)))

	diff, err := newEngine(t, m, Config{}).DiffBetween(context.Background(), user, day(1), day(4))
	require.NoError(t, err)

	require.Len(t, diff.Changes, 3)
	byID := map[string]ResourceChange{}
	for _, c := range diff.Changes {
		byID[c.ResourceID] = c
	}

	assert.Equal(t, ChangeModified, byID["exp-1"].Kind)
	assert.Equal(t, []string{"amount"}, byID["exp-1"].ChangedFields)
	assert.Equal(t, ChangeRemoved, byID["exp-2"].Kind)
	assert.Nil(t, byID["exp-2"].After)
	assert.Equal(t, ChangeAdded, byID["exp-3"].Kind)
	assert.Nil(t, byID["exp-3"].Before)

	// Ordered by resource id within a type.
	assert.Equal(t, "exp-1", diff.Changes[0].ResourceID)
	assert.Equal(t, "exp-3", diff.Changes[2].ResourceID)
}

func TestDiffBetweenRejectsReversedRange(t *testing.T) {
	_, err := newEngine(t, &memStore{}, Config{}).DiffBetween(context.Background(), user, day(3), day(1))
	require.Error(t, err)
}

func TestDiffBetweenSameInstantIsEmpty(t *testing.T) {
	m := &memStore{}
	m.add(create(user, "exp-1", 1, day(1)))

	diff, err := newEngine(t, m, Config{}).DiffBetween(context.Background(), user, day(2), day(2))
	require.NoError(t, err)
	assert.Empty(t, diff.Changes)
}

func TestCompareStatesOrdersByType(t *testing.T) {
	a := state.New()
	b := state.New()
	b.Put(ir.ResourceGoal, "g-1", ir.Object{"target": ir.Int(1)})
	b.Put(ir.ResourceExpense, "e-1", ir.Object{"amount": ir.Int(1)})

	changes := CompareStates(a, b)
	require.Len(t, changes, 2)
	assert.Equal(t, ir.ResourceExpense, changes[0].ResourceType)
	assert.Equal(t, ir.ResourceGoal, changes[1].ResourceType)
}
