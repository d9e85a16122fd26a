package region

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/poc-gateway/internal/artifact"
	"github.com/lorawan-server/poc-gateway/pkg/lorawan"
)

type fakeFetcher struct {
	data []byte
	err  error
}

func (f *fakeFetcher) Fetch(context.Context) ([]byte, error) {
	return f.data, f.err
}

func planJSON(t *testing.T, p *Plan) []byte {
	t.Helper()
	b, err := json.Marshal(p)
	require.NoError(t, err)
	return b
}

func TestBuiltinPlansAreValid(t *testing.T) {
	for _, name := range []string{"EU868", "US915", "AU915", "AS923_1", "CN470"} {
		t.Run(name, func(t *testing.T) {
			p, err := Builtin(name)
			require.NoError(t, err)
			require.NoError(t, p.Validate())
			assert.NotEmpty(t, p.BeaconChannels())
		})
	}
	_, err := Builtin("XX123")
	assert.Error(t, err)
}

func TestCacheUnregionedUntilRefresh(t *testing.T) {
	eu, err := Builtin("EU868")
	require.NoError(t, err)
	src := &fakeFetcher{err: errors.New("connection refused")}

	c, err := NewCache("", src)
	require.NoError(t, err)
	assert.Nil(t, c.Current())

	var regionErr *RegionError
	require.ErrorAs(t, c.Refresh(context.Background()), &regionErr)
	assert.Nil(t, c.Current())

	src.data, src.err = planJSON(t, eu), nil
	require.NoError(t, c.Refresh(context.Background()))
	require.NotNil(t, c.Current())
	assert.Equal(t, "EU868", c.Current().Region)
}

func TestCacheKeepsLastGoodPlan(t *testing.T) {
	eu, err := Builtin("EU868")
	require.NoError(t, err)
	src := &fakeFetcher{data: planJSON(t, eu)}

	c, err := NewCache("", src)
	require.NoError(t, err)
	require.NoError(t, c.Refresh(context.Background()))
	before := c.Current()

	src.data = []byte(`{"region": "US915", "channels": []}`)
	assert.Error(t, c.Refresh(context.Background()))
	assert.Same(t, before, c.Current())

	src.data = []byte(`not json`)
	assert.Error(t, c.Refresh(context.Background()))
	assert.Same(t, before, c.Current())

	src.data, src.err = nil, artifact.ErrNotModified
	assert.NoError(t, c.Refresh(context.Background()))
	assert.Same(t, before, c.Current())
}

func TestCacheOverridePinsPlan(t *testing.T) {
	src := &fakeFetcher{err: errors.New("must not be called")}
	c, err := NewCache("us915", src)
	require.NoError(t, err)

	assert.True(t, c.Pinned())
	assert.Equal(t, "US915", c.Current().Region)
	assert.NoError(t, c.Refresh(context.Background()))

	_, err = NewCache("mars", nil)
	assert.Error(t, err)
}

func TestCheckEnvelope(t *testing.T) {
	eu, err := Builtin("EU868")
	require.NoError(t, err)
	sf9 := lorawan.DataRate{SpreadFactor: 9, Bandwidth: 125}

	_, err = eu.CheckEnvelope(868100000, sf9, 14)
	assert.NoError(t, err)

	_, err = eu.CheckEnvelope(915000000, sf9, 14)
	assert.ErrorIs(t, err, ErrFrequency)

	_, err = eu.CheckEnvelope(868100000, lorawan.DataRate{SpreadFactor: 7, Bandwidth: 500}, 14)
	assert.ErrorIs(t, err, ErrDataRate)

	_, err = eu.CheckEnvelope(868100000, sf9, 20)
	assert.ErrorIs(t, err, ErrPower)

	// RX2 carries its own ceiling
	_, err = eu.CheckEnvelope(869525000, lorawan.DataRate{SpreadFactor: 12, Bandwidth: 125}, 27)
	assert.NoError(t, err)
}

func TestParsePlanRejectsBeaconChannelOutsidePlan(t *testing.T) {
	raw := []byte(`{
		"region": "TEST",
		"channels": [{"frequency": 868100000, "bandwidth": 125, "spreading_factors": [7]}],
		"duty_cycle": {"policy": "none"},
		"beacon": {"channels": [868300000], "datarate": "SF7BW125", "power": 14}
	}`)
	_, err := ParsePlan(raw)
	assert.Error(t, err)
}

func newTestThrottle(now *time.Time) *Throttle {
	t := NewThrottle()
	t.now = func() time.Time { return *now }
	return t
}

func TestDwellThrottle(t *testing.T) {
	us, err := Builtin("US915")
	require.NoError(t, err)

	now := time.Unix(1_000, 0)
	th := newTestThrottle(&now)
	const f1, f2 = 903900000, 904100000

	assert.False(t, th.CanSend(us, f1, 401*time.Millisecond), "single packet over max dwell")

	assert.True(t, th.CanSend(us, f1, 300*time.Millisecond))
	th.Track(us, f1, 300*time.Millisecond)

	now = now.Add(time.Second)
	assert.False(t, th.CanSend(us, f1, 200*time.Millisecond))
	assert.True(t, th.CanSend(us, f1, 100*time.Millisecond))
	assert.True(t, th.CanSend(us, f2, 400*time.Millisecond), "dwell is per channel")

	now = now.Add(20 * time.Second)
	assert.True(t, th.CanSend(us, f1, 400*time.Millisecond))
}

func TestDwellThrottlePartialOverlap(t *testing.T) {
	us, err := Builtin("US915")
	require.NoError(t, err)

	now := time.Unix(1_000, 0)
	th := newTestThrottle(&now)
	const f = 903900000

	th.Track(us, f, 400*time.Millisecond)

	now = now.Add(19900 * time.Millisecond)
	assert.False(t, th.CanSend(us, f, 200*time.Millisecond))
	assert.False(t, th.CanSend(us, f, 50*time.Millisecond))

	// the window of a 200ms packet now starts 200ms into the tracked one,
	// so only its last 200ms count
	now = now.Add(100 * time.Millisecond)
	assert.True(t, th.CanSend(us, f, 200*time.Millisecond))
	assert.Equal(t, 400*time.Millisecond, th.Used(f, 20*time.Second))
}

func TestDutyThrottle(t *testing.T) {
	eu, err := Builtin("EU868")
	require.NoError(t, err)

	now := time.Unix(1_000, 0)
	th := newTestThrottle(&now)

	// 1% of an hour is 36s
	for i := 0; i < 35; i++ {
		require.True(t, th.CanSend(eu, 868100000, time.Second), "packet %d", i)
		th.Track(eu, 868100000, time.Second)
		now = now.Add(10 * time.Second)
	}
	assert.False(t, th.CanSend(eu, 868300000, time.Second), "duty cycle is global")

	now = now.Add(time.Hour)
	assert.True(t, th.CanSend(eu, 868300000, time.Second))
}

func TestThrottleResetsOnRegionChange(t *testing.T) {
	us, err := Builtin("US915")
	require.NoError(t, err)
	au, err := Builtin("AU915")
	require.NoError(t, err)

	now := time.Unix(1_000, 0)
	th := newTestThrottle(&now)
	th.Track(us, 923300000, 400*time.Millisecond)
	assert.False(t, th.CanSend(us, 923300000, 100*time.Millisecond))
	assert.True(t, th.CanSend(au, 923300000, 100*time.Millisecond))
}

func TestReserveAndRelease(t *testing.T) {
	us, err := Builtin("US915")
	require.NoError(t, err)

	now := time.Unix(1_000, 0)
	th := newTestThrottle(&now)
	const f = 903900000

	r, ok := th.Reserve(us, f, 300*time.Millisecond)
	require.True(t, ok)
	_, ok = th.Reserve(us, f, 300*time.Millisecond)
	assert.False(t, ok)

	r.Release()
	_, ok = th.Reserve(us, f, 300*time.Millisecond)
	assert.True(t, ok)
}

func TestNoPolicyNeverRefuses(t *testing.T) {
	p := &Plan{Region: "LAB", DutyCycle: DutyCycle{Policy: PolicyNone}}
	now := time.Unix(1_000, 0)
	th := newTestThrottle(&now)
	for i := 0; i < 100; i++ {
		th.Track(p, 1, time.Second)
	}
	assert.True(t, th.CanSend(p, 1, time.Hour))
	assert.Zero(t, th.Used(0, time.Hour))
}
