package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobHash(t *testing.T) {
	h := NewBlobHash([]byte("hello"))
	assert.False(t, h.IsZero())
	assert.Equal(t, h, NewBlobHash([]byte("hello")))
	assert.NotEqual(t, h, NewBlobHash([]byte("hello!")))

	parsed, err := ParseBlobHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseBlobHash("zz")
	assert.Error(t, err)
	_, err = ParseBlobHash("abcd")
	assert.Error(t, err)

	assert.True(t, BlobHash{}.IsZero())
}

func TestBlobClassExpiry(t *testing.T) {
	reserved := BlobReserved{AccountID: 1, Expires: 100}
	assert.False(t, reserved.IsExpired(99))
	assert.True(t, reserved.IsExpired(100))
	assert.True(t, reserved.IsExpired(101))

	linked := BlobLinked{AccountID: 1, Collection: 2, DocumentID: 3}
	assert.False(t, linked.IsExpired(^uint64(0)))
	assert.Equal(t, uint32(1), linked.Account())
}

func TestDecodeBlobKey(t *testing.T) {
	hash := NewBlobHash([]byte("blob"))
	classes := []BlobClass{
		BlobReserved{AccountID: 7, Expires: 1234567},
		BlobLinked{AccountID: 7, Collection: 1, DocumentID: 99},
	}
	for _, class := range classes {
		key := BlobKey{Hash: hash, Class: class}.Serialize(0)
		gotHash, gotClass, ok := DecodeBlobKey(key)
		require.True(t, ok)
		assert.Equal(t, hash, gotHash)
		assert.Equal(t, class, gotClass)
	}

	t.Run("prefix groups records of one blob", func(t *testing.T) {
		prefix := BlobKey{Hash: hash}.Serialize(WithSubspace)
		for _, class := range classes {
			assert.Equal(t, prefix, BlobKey{Hash: hash, Class: class}.Serialize(WithSubspace)[:len(prefix)])
		}
	})

	t.Run("data chunks are skipped", func(t *testing.T) {
		_, _, ok := DecodeBlobKey(BlobDataKey{Hash: hash, Chunk: 3}.Serialize(0))
		assert.False(t, ok)
	})

	t.Run("malformed", func(t *testing.T) {
		_, _, ok := DecodeBlobKey([]byte{1, 2, 3})
		assert.False(t, ok)
		key := BlobKey{Hash: hash, Class: classes[0]}.Serialize(0)
		_, _, ok = DecodeBlobKey(key[:len(key)-1])
		assert.False(t, ok)
	})
}
