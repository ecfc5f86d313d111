//go:build linux || darwin

package regionregistry_test

import (
	"testing"

	"github.com/hiomesh/ipmb-go/pkg/regionregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocReusesIdleRegionOfMatchingTag(t *testing.T) {
	r := regionregistry.New()

	a, err := r.Alloc(4096, "video")
	require.NoError(t, err)
	firstBuf, err := a.Map(0, 16)
	require.NoError(t, err)
	firstBuf[0] = 9
	a.Drop() // back to refcount 1 inside the registry

	b, err := r.Alloc(4096, "video")
	require.NoError(t, err)
	defer b.Drop()

	secondBuf, err := b.Map(0, 16)
	require.NoError(t, err)
	assert.Equal(t, byte(9), secondBuf[0], "expected the same underlying object to be reused")
}

func TestAllocDoesNotReuseAcrossTags(t *testing.T) {
	r := regionregistry.New()

	a, err := r.Alloc(4096, "video")
	require.NoError(t, err)
	a.Drop()

	b, err := r.Alloc(4096, "audio")
	require.NoError(t, err)
	defer b.Drop()

	assert.NotEqual(t, a.Object().Raw(), b.Object().Raw())
}

func TestAllocWithFreeFiresWhenReturnedToCache(t *testing.T) {
	r := regionregistry.New()

	fired := make(chan struct{}, 1)
	a, err := r.AllocWithFree(4096, "", func() { fired <- struct{}{} })
	require.NoError(t, err)
	a.Drop()

	r.Maintain()
	select {
	case <-fired:
	default:
		t.Fatal("expected free closure to run once region refcount returned to 1")
	}
}
