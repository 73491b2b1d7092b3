package rq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// leaseDuration bounds how long GetProcessRequest's caller may hold an
// entry before another processor instance is allowed to retry it. Guards
// against a crashed processor leaving entries permanently leased.
const leaseDuration = 5 * time.Minute

// GetProcessRequest returns the oldest entry eligible for processing: older
// than expiration, with retries <= maxRetries, not currently leased by
// another processor instance, in FIFO (timestamp) order. Returns nil, nil
// if nothing is eligible. processorID tags the lease so a second processor
// instance does not double-apply.
func (s *Store) GetProcessRequest(ctx context.Context, now time.Time, expiration time.Duration, maxRetries int, processorID string) (*Entry, error) {
	nowMs := now.UnixMilli()
	cutoffMs := now.Add(-expiration).UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("rq: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `
		SELECT id, path, name, method, remote_prefix, local_prefix, destination, timestamp_ms, retries, next_eligible_ms, generation
		FROM rq_entries
		WHERE timestamp_ms <= ?
		  AND retries <= ?
		  AND next_eligible_ms <= ?
		  AND (leased_until_ms < ? OR leased_by IS NULL)
		ORDER BY timestamp_ms ASC
		LIMIT 1`,
		cutoffMs, maxRetries, nowMs, nowMs)

	var e Entry
	var dest sql.NullString

	err = row.Scan(&e.ID, &e.Path, &e.Name, &e.Method, &e.RemotePrefix, &e.LocalPrefix, &dest, &e.TimestampMs, &e.Retries, &e.NextEligibleMs, &e.Generation)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("rq: select eligible entry: %w", err)
	}

	e.Destination = dest.String

	leaseUntil := now.Add(leaseDuration).UnixMilli()

	_, err = tx.ExecContext(ctx, `UPDATE rq_entries SET leased_by = ?, leased_until_ms = ? WHERE id = ?`, processorID, leaseUntil, e.ID)
	if err != nil {
		return nil, fmt.Errorf("rq: lease entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("rq: commit lease: %w", err)
	}

	return &e, nil
}

// Get re-reads the current entry for (path, name), for the processor's
// re-validation step between acquiring the write lock and executing the
// remote call.
func (s *Store) Get(ctx context.Context, path, name string) (*Entry, error) {
	var e Entry
	var dest sql.NullString

	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, name, method, remote_prefix, local_prefix, destination, timestamp_ms, retries, next_eligible_ms, generation
		FROM rq_entries WHERE path = ? AND name = ?`, path, name)

	err := row.Scan(&e.ID, &e.Path, &e.Name, &e.Method, &e.RemotePrefix, &e.LocalPrefix, &dest, &e.TimestampMs, &e.Retries, &e.NextEligibleMs, &e.Generation)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("rq: get %s/%s: %w", path, name, err)
	}

	e.Destination = dest.String

	return &e, nil
}

// IncrementRetry records a failed apply attempt. The entry becomes eligible
// again after delay, and the processor's lease is released immediately so
// another tick (or processor instance) can pick it up once delay elapses.
func (s *Store) IncrementRetry(ctx context.Context, path, name string, delay time.Duration, now time.Time) error {
	nextEligible := now.Add(delay).UnixMilli()

	_, err := s.db.ExecContext(ctx, `
		UPDATE rq_entries
		SET retries = retries + 1, next_eligible_ms = ?, leased_by = NULL, leased_until_ms = 0
		WHERE path = ? AND name = ?`, nextEligible, path, name)
	if err != nil {
		return fmt.Errorf("rq: increment retry %s/%s: %w", path, name, err)
	}

	return nil
}

// Complete atomically removes the entry for (path, name) upon successful
// remote apply.
func (s *Store) Complete(ctx context.Context, path, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rq_entries WHERE path = ? AND name = ?`, path, name)
	if err != nil {
		return fmt.Errorf("rq: complete %s/%s: %w", path, name, err)
	}

	return nil
}

// PurgeReason documents why an entry was dropped without being applied.
type PurgeReason string

const (
	PurgeReasonUnsyncable   PurgeReason = "unsyncable"
	PurgeReasonMaxRetries   PurgeReason = "max_retries_exceeded"
	PurgeReasonStaleRename  PurgeReason = "stale_after_rename"
)

// Purge removes the entry for (path, name) without applying it. Callers
// emit a "purged" event with reason after this returns successfully.
func (s *Store) Purge(ctx context.Context, path, name string, reason PurgeReason) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rq_entries WHERE path = ? AND name = ?`, path, name)
	if err != nil {
		return fmt.Errorf("rq: purge %s/%s (%s): %w", path, name, reason, err)
	}

	return nil
}

// ReleaseLease clears a processor's lease on an entry without mutating its
// retry state, used when the processor aborts mid-transfer (e.g. a newer
// write superseded the entry) and wants it retried promptly.
func (s *Store) ReleaseLease(ctx context.Context, path, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE rq_entries SET leased_by = NULL, leased_until_ms = 0 WHERE path = ? AND name = ?`, path, name)
	if err != nil {
		return fmt.Errorf("rq: release lease %s/%s: %w", path, name, err)
	}

	return nil
}

// NewProcessorID generates a random identifier for a processor instance's
// lease tag.
func NewProcessorID() string {
	return uuid.NewString()
}
