package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte{1, 3}, PrefixEnd([]byte{1, 2}))
	assert.Equal(t, []byte{2}, PrefixEnd([]byte{1, 0xff}))
	assert.Nil(t, PrefixEnd([]byte{0xff, 0xff}))
}

func TestIterateParamsBounds(t *testing.T) {
	begin := LogKey{AccountID: 1, ChangeID: 1}
	end := LogKey{AccountID: 1, ChangeID: 5}
	p := NewIterateParams(begin, end)

	assert.True(t, p.Ascending)
	assert.True(t, p.Values)
	assert.True(t, p.InRange(begin.Serialize(WithSubspace)))
	assert.True(t, p.InRange(end.Serialize(WithSubspace)), "end is inclusive")
	assert.True(t, p.InRange(LogKey{AccountID: 1, ChangeID: 3}.Serialize(WithSubspace)))
	assert.False(t, p.InRange(LogKey{AccountID: 1, ChangeID: 6}.Serialize(WithSubspace)))
	assert.False(t, p.InRange(LogKey{AccountID: 0, ChangeID: 9}.Serialize(WithSubspace)))

	d := p.Descending().OnlyFirst().NoValues()
	assert.False(t, d.Ascending)
	assert.True(t, d.First)
	assert.False(t, d.Values)
	assert.True(t, p.Ascending, "modifiers return copies")

	sub := SubspaceParams(SubspaceLogs)
	assert.True(t, sub.InRange(end.Serialize(WithSubspace)))
	assert.False(t, sub.InRange(ValueKey{}.Serialize(WithSubspace)))
}

func TestBatchAssertions(t *testing.T) {
	present := map[string][]byte{"va": []byte("1")}
	get := func(key []byte) ([]byte, error) {
		if v, ok := present[string(key)]; ok {
			return v, nil
		}
		return nil, ErrNotFound
	}

	ok := NewBatch().AssertValue(RawKey("va"), []byte("1")).AssertValue(RawKey("vb"), nil)
	assert.NoError(t, ok.CheckAssertions(get))
	assert.True(t, ok.HasAssertions())
	assert.Len(t, ok.Keys(), 2)

	assert.ErrorIs(t, NewBatch().AssertValue(RawKey("va"), nil).CheckAssertions(get), ErrAssertValueFailed)
	assert.ErrorIs(t, NewBatch().AssertValue(RawKey("va"), []byte("2")).CheckAssertions(get), ErrAssertValueFailed)
	assert.ErrorIs(t, NewBatch().AssertValue(RawKey("vb"), []byte("1")).CheckAssertions(get), ErrAssertValueFailed)

	boom := errors.New("boom")
	err := NewBatch().AssertValue(RawKey("va"), nil).CheckAssertions(func([]byte) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	assert.True(t, NewBatch().IsEmpty())
	assert.False(t, NewBatch().Set(RawKey("va"), nil).HasAssertions())
}

func TestInternalError(t *testing.T) {
	assert.NoError(t, Internal(nil, "x"))
	assert.Equal(t, ErrNotFound, Internal(ErrNotFound, "x"))
	assert.Equal(t, ErrAssertValueFailed, Internal(ErrAssertValueFailed, "x"))

	cause := fmt.Errorf("disk on fire")
	err := Internal(cause, "write failed")
	require.True(t, IsInternal(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "internal error: write failed: disk on fire", err.Error())
	assert.Same(t, err, Internal(err, "again"))

	timeout := Internal(context.DeadlineExceeded, "query")
	assert.Contains(t, timeout.Error(), "(timeout)")

	assert.Equal(t, "internal error: bad", NewInternalError("bad").Error())
	assert.False(t, IsInternal(ErrNotFound))
}
