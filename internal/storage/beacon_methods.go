package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/poc-gateway/internal/models"
)

// SaveBeacon stores a beacon record
func (s *SQLStore) SaveBeacon(ctx context.Context, r models.BeaconRecord) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}

	query := s.rebind(`
		INSERT INTO beacons (
			id, time_ns, outcome, region, frequency,
			datarate, signature_digest, error, details
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		r.ID.String(), r.Time.UnixNano(), string(r.Outcome), r.Region, int64(r.Frequency),
		r.DataRate, r.SignatureDigest, r.Error, r.Details,
	)
	if err != nil {
		return fmt.Errorf("insert beacon: %w", err)
	}
	return nil
}

// RecentBeacons returns up to limit records, newest first
func (s *SQLStore) RecentBeacons(ctx context.Context, limit int) ([]models.BeaconRecord, error) {
	query := s.rebind(`
		SELECT id, time_ns, outcome, region, frequency,
			datarate, signature_digest, error, details
		FROM beacons
		ORDER BY time_ns DESC
		LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query beacons: %w", err)
	}
	defer rows.Close()

	var records []models.BeaconRecord
	for rows.Next() {
		var (
			r       models.BeaconRecord
			id      string
			timeNs  int64
			outcome string
			freq    int64
		)
		if err := rows.Scan(&id, &timeNs, &outcome, &r.Region, &freq,
			&r.DataRate, &r.SignatureDigest, &r.Error, &r.Details); err != nil {
			return nil, fmt.Errorf("scan beacon: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("scan beacon: %w", err)
		}
		r.Time = time.Unix(0, timeNs)
		r.Outcome = models.BeaconOutcome(outcome)
		r.Frequency = uint32(freq)
		records = append(records, r)
	}

	return records, rows.Err()
}
