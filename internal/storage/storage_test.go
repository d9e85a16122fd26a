package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/poc-gateway/internal/models"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), DriverSqlite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBeaconRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i, outcome := range []models.BeaconOutcome{models.BeaconSent, models.BeaconSkippedDutyCycle, models.BeaconTimeout} {
		require.NoError(t, s.SaveBeacon(ctx, models.BeaconRecord{
			ID:              uuid.New(),
			Time:            base.Add(time.Duration(i) * time.Minute),
			Outcome:         outcome,
			Region:          "EU868",
			Frequency:       868100000,
			DataRate:        "SF9BW125",
			SignatureDigest: "ab12",
			Details:         models.Variables{"attempt": float64(i)},
		}))
	}

	records, err := s.RecentBeacons(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, models.BeaconTimeout, records[0].Outcome)
	assert.Equal(t, models.BeaconSkippedDutyCycle, records[1].Outcome)
	assert.True(t, records[0].Time.Equal(base.Add(2*time.Minute)))
	assert.Equal(t, uint32(868100000), records[0].Frequency)
	assert.Equal(t, "SF9BW125", records[0].DataRate)
	assert.Equal(t, float64(2), records[0].Details["attempt"])
}

func TestSaveBeaconDefaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveBeacon(ctx, models.BeaconRecord{Outcome: models.BeaconSignFailed, Error: "card unavailable"}))

	records, err := s.RecentBeacons(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEqual(t, uuid.Nil, records[0].ID)
	assert.False(t, records[0].Time.IsZero())
	assert.Equal(t, "card unavailable", records[0].Error)
}

func TestEventLogFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sink := EventSink{Store: s}

	old := models.NewEvent(models.EventTypeBeacon, models.EventLevelInfo, "beacon sent", nil)
	old.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, sink.Publish(old))
	require.NoError(t, sink.Publish(models.NewEvent(models.EventTypeLinkHealth, models.EventLevelWarning, "link down", models.Variables{"health": "down"})))
	require.NoError(t, sink.Publish(models.NewEvent(models.EventTypeBeacon, models.EventLevelInfo, "beacon sent", nil)))

	all, err := s.ListEventLogs(ctx, EventLogFilters{}, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	typ := models.EventTypeBeacon
	beacons, err := s.ListEventLogs(ctx, EventLogFilters{Type: &typ}, 10)
	require.NoError(t, err)
	assert.Len(t, beacons, 2)

	since := time.Now().Add(-time.Minute)
	recent, err := s.ListEventLogs(ctx, EventLogFilters{Type: &typ, Since: &since}, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	level := models.EventLevelWarning
	warnings, err := s.ListEventLogs(ctx, EventLogFilters{Level: &level}, 10)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, "down", warnings[0].Details["health"])
}

func TestOpenInvalidDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn")
	assert.True(t, errors.Is(err, ErrInvalidDriver))
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &SQLStore{driver: DriverSqlite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}
