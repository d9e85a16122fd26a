package filter

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/poc-gateway/internal/artifact"
)

func deviceIDs(n int, seed int64) [][]byte {
	r := rand.New(rand.NewSource(seed))
	ids := make([][]byte, n)
	for i := range ids {
		id := make([]byte, 8)
		binary.BigEndian.PutUint64(id, r.Uint64())
		ids[i] = id
	}
	return ids
}

func TestEmptyFilterForwardsEverything(t *testing.T) {
	f := New(nil)
	assert.True(t, f.Contains([]byte{1, 2, 3, 4}))
	assert.Nil(t, f.Snapshot())
	assert.Zero(t, f.Generation())
}

func TestNoFalseNegatives(t *testing.T) {
	members := deviceIDs(2000, 1)
	raw, err := Build(members, 0.01)
	require.NoError(t, err)

	f := New(nil)
	require.NoError(t, f.Refresh(raw))

	for _, id := range members {
		require.True(t, f.Contains(id), "false negative for %x", id)
	}
}

func TestFalsePositiveRateWithinBound(t *testing.T) {
	const fp = 0.01
	raw, err := Build(deviceIDs(5000, 2), fp)
	require.NoError(t, err)

	f := New(nil)
	require.NoError(t, f.Refresh(raw))

	strangers := deviceIDs(20000, 3)
	hits := 0
	for _, id := range strangers {
		if f.Contains(id) {
			hits++
		}
	}
	rate := float64(hits) / float64(len(strangers))
	assert.Less(t, rate, 3*fp, "observed false positive rate %.4f", rate)
}

func TestMalformedRefreshKeepsPrevious(t *testing.T) {
	members := deviceIDs(10, 4)
	raw, err := Build(members, 0.01)
	require.NoError(t, err)

	f := New(nil)
	require.NoError(t, f.Refresh(raw))
	before := f.Snapshot()

	var filterErr *FilterError
	require.ErrorAs(t, f.Refresh([]byte("not a filter")), &filterErr)
	assert.Equal(t, "decode", filterErr.Op)
	assert.Same(t, before, f.Snapshot())
	assert.True(t, f.Contains(members[0]))

	require.ErrorAs(t, f.Refresh(nil), &filterErr)
	assert.Same(t, before, f.Snapshot())
}

func TestGenerationAdvances(t *testing.T) {
	raw, err := Build(deviceIDs(10, 5), 0.01)
	require.NoError(t, err)

	f := New(nil)
	require.NoError(t, f.Refresh(raw))
	require.NoError(t, f.Refresh(raw))
	assert.EqualValues(t, 2, f.Generation())
}

type stubFetcher struct {
	data []byte
	err  error
}

func (s stubFetcher) Fetch(context.Context) ([]byte, error) { return s.data, s.err }

func TestSync(t *testing.T) {
	members := deviceIDs(10, 6)
	raw, err := Build(members, 0.01)
	require.NoError(t, err)

	f := New(stubFetcher{data: raw})
	require.NoError(t, f.Sync(context.Background()))
	assert.EqualValues(t, 1, f.Generation())

	f.source = stubFetcher{err: artifact.ErrNotModified}
	require.NoError(t, f.Sync(context.Background()))
	assert.EqualValues(t, 1, f.Generation())

	f.source = stubFetcher{err: errors.New("timeout")}
	var filterErr *FilterError
	require.ErrorAs(t, f.Sync(context.Background()), &filterErr)
	assert.Equal(t, "fetch", filterErr.Op)
	assert.EqualValues(t, 1, f.Generation())
}

func TestConcurrentReadersDuringRefresh(t *testing.T) {
	members := deviceIDs(100, 7)
	raw, err := Build(members, 0.01)
	require.NoError(t, err)

	f := New(nil)
	require.NoError(t, f.Refresh(raw))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if !f.Contains(members[j%len(members)]) {
					t.Error("false negative during refresh")
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, f.Refresh(raw))
	}
	wg.Wait()
}
