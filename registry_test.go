package objheap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryLocate(t *testing.T) {
	r := newHeapRegistry()

	a := &FileMetadata{Base: 0, Size: 100}
	b := &FileMetadata{Base: 100, Size: 50}
	c := &FileMetadata{Base: 500, Size: 10}

	r.insert(c)
	r.insert(a)
	r.insert(b)

	got, err := r.locate(0)
	assert.NoError(t, err)
	assert.Same(t, a, got)

	got, err = r.locate(99)
	assert.NoError(t, err)
	assert.Same(t, a, got)

	got, err = r.locate(100)
	assert.NoError(t, err)
	assert.Same(t, b, got)

	got, err = r.locate(509)
	assert.NoError(t, err)
	assert.Same(t, c, got)

	_, err = r.locate(510)
	assert.Error(t, err)

	_, err = r.locate(150)
	assert.Error(t, err)
}

func TestRegistryRemove(t *testing.T) {
	r := newHeapRegistry()
	a := &FileMetadata{Base: 0, Size: 10}
	r.insert(a)

	_, err := r.locate(5)
	assert.NoError(t, err)

	r.remove(0)

	_, err = r.locate(5)
	assert.Error(t, err)
	assert.Len(t, r.all(), 0)
}

func TestRegistryWithLocated(t *testing.T) {
	r := newHeapRegistry()
	a := &FileMetadata{Base: 0, Size: 10}
	r.insert(a)

	var seen *FileMetadata
	err := r.withLocated(3, func(meta *FileMetadata) error {
		seen = meta
		return nil
	})
	assert.NoError(t, err)
	assert.Same(t, a, seen)
}
