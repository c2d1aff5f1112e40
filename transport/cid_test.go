package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandCIDSourceDefaultsToMaxLength(t *testing.T) {
	cid, err := randCIDSource{}.NewCID()
	require.NoError(t, err)
	assert.Len(t, cid, MaxCIDLength)
}

func TestRandCIDSourceHonorsConfiguredLength(t *testing.T) {
	cid, err := randCIDSource{length: 8}.NewCID()
	require.NoError(t, err)
	assert.Len(t, cid, 8)
}

func TestRandCIDSourceClampsOutOfRangeLength(t *testing.T) {
	cid, err := randCIDSource{length: 99}.NewCID()
	require.NoError(t, err)
	assert.Len(t, cid, MaxCIDLength)
}

func TestCIDManagerIssuesUpToPeerActiveLimit(t *testing.T) {
	var m cidManager
	m.init(randCIDSource{length: 4}, []byte{1, 2, 3, 4}, []byte{5, 6, 7, 8})
	m.setPeerActiveConnIDLimit(3)

	frames, err := m.issueLocalIDs()
	require.NoError(t, err)
	assert.Len(t, frames, 2) // one local CID already exists from init
}

func TestCIDManagerUseLocalIsIdempotentOnceUsed(t *testing.T) {
	var m cidManager
	m.init(randCIDSource{length: 4}, []byte{1, 2, 3, 4}, nil)
	m.setPeerActiveConnIDLimit(1)

	frames, err := m.useLocal([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Empty(t, frames, "at the limit already, no new CID should be issued")

	frames, err = m.useLocal([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Nil(t, frames, "a CID already marked used is a no-op")
}
