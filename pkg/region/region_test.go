//go:build linux || darwin

package region_test

import (
	"testing"

	"github.com/hiomesh/ipmb-go/pkg/region"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateStartsAtRefcountOne(t *testing.T) {
	r, err := region.New(64 << 10)
	require.NoError(t, err)
	defer r.Drop()

	assert.Equal(t, uint32(1), r.RefCount())
	assert.Equal(t, uint64(64<<10), r.BufferSize())
}

func TestCloneIncrementsRefcount(t *testing.T) {
	r, err := region.New(4096)
	require.NoError(t, err)
	defer r.Drop()

	c1, err := r.Clone()
	require.NoError(t, err)
	defer c1.Drop()
	c2, err := r.Clone()
	require.NoError(t, err)
	defer c2.Drop()

	assert.Equal(t, uint32(3), r.RefCount())
}

func TestMapWriteIsVisibleThroughClone(t *testing.T) {
	r, err := region.New(4096)
	require.NoError(t, err)
	defer r.Drop()

	buf, err := r.Map(0, 4096)
	require.NoError(t, err)
	buf[0] = 0x2e

	c, err := r.Clone()
	require.NoError(t, err)
	defer c.Drop()

	cbuf, err := c.Map(0, 4096)
	require.NoError(t, err)
	assert.Equal(t, byte(0x2e), cbuf[0])
}

func TestMapReturnsSameViewForSameRange(t *testing.T) {
	r, err := region.New(4096)
	require.NoError(t, err)
	defer r.Drop()

	a, err := r.Map(0, 100)
	require.NoError(t, err)
	b, err := r.Map(0, 100)
	require.NoError(t, err)

	a[0] = 7
	assert.Equal(t, byte(7), b[0])
}

func TestSendAccountingRoundTrip(t *testing.T) {
	// PreSend/Adopt/UndoPreSend net effect: one outstanding count
	// transfers from sender to receiver.
	r, err := region.New(4096)
	require.NoError(t, err)

	r.PreSend()
	assert.Equal(t, uint32(2), r.RefCount())

	obj, err := r.Object().Clone()
	require.NoError(t, err)
	adopted, err := region.Adopt(obj)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), adopted.RefCount())

	// receiver cancels the sender's pre-increment once adoption is done
	adopted.UndoPreSend()
	assert.Equal(t, uint32(2), r.RefCount())

	r.Drop()
	assert.Equal(t, uint32(1), adopted.RefCount())
	adopted.Drop()
}
