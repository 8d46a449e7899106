// Package store implements the embedded durable store: three tables
// (patients, orders, results), each row carrying sync_status and
// created_at, with upserts keyed by (analyzer_instance,
// external_id/sample_id/test_code, observed_at). See spec §4.7.
//
// Grounded on the teacher pack's ClusterCockpit repository.JobRepository:
// a single *sqlx.DB, Masterminds/squirrel for SELECT construction, raw SQL
// with an ON CONFLICT suffix for upserts, golang-migrate/v4 for schema
// versioning.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/kstaniek/labgw/internal/domain"
	"github.com/kstaniek/labgw/internal/logging"
	"github.com/kstaniek/labgw/internal/metrics"
)

// Store is the single serialized writer onto the embedded database, per
// spec §5 ("all writes go through a single serialized writer").
type Store struct {
	DB     *sqlx.DB
	path   string
	logger *slog.Logger
}

// Open connects to (creating if absent) a SQLite database at path and
// brings its schema up to date.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.L()
	}
	db, err := sqlx.Connect("sqlite3", fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer, avoids SQLITE_BUSY under concurrent Connection Handlers
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{DB: db, path: path, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.DB.Close() }

// FreeBytes reports free space on the volume backing path. SaveRecord does
// not consult it, and the store does not set the store_free_bytes gauge.
func (s *Store) FreeBytes(ctx context.Context) (uint64, error) {
	u, err := disk.UsageWithContext(ctx, filepath.Dir(s.path))
	if err != nil {
		return 0, fmt.Errorf("store: disk usage: %w", err)
	}
	return u.Free, nil
}

// SaveRecord upserts a Patient, its Order, and every Result in rec inside a
// single transaction: no Result is visible until its Patient and Order are,
// and the Connection Handler's ACK is withheld until this commits.
func (s *Store) SaveRecord(ctx context.Context, rec domain.Record) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	patientID, err := upsertPatient(ctx, tx, rec.Patient)
	if err != nil {
		return fmt.Errorf("store: upsert patient: %w", err)
	}

	orderID, err := upsertOrder(ctx, tx, patientID, rec.Order)
	if err != nil {
		return fmt.Errorf("store: upsert order: %w", err)
	}

	for _, r := range rec.Results {
		if err := upsertResult(ctx, tx, orderID, r); err != nil {
			return fmt.Errorf("store: upsert result %q: %w", r.TestCode, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	if n, err := s.CountLocal(ctx); err == nil {
		metrics.SetSyncBacklog(n)
	}
	return nil
}

func upsertPatient(ctx context.Context, tx *sqlx.Tx, p domain.Patient) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO patients (external_id, internal_id, full_name, dob, sex, physician)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id, internal_id) DO UPDATE SET
			full_name = excluded.full_name,
			dob       = excluded.dob,
			sex       = excluded.sex,
			physician = excluded.physician
	`, p.ExternalID, p.InternalID, p.FullName, p.DOB, p.Sex, p.Physician)
	if err != nil {
		return 0, err
	}
	var id int64
	err = tx.GetContext(ctx, &id,
		`SELECT id FROM patients WHERE external_id = ? AND internal_id = ?`,
		p.ExternalID, p.InternalID)
	return id, err
}

func upsertOrder(ctx context.Context, tx *sqlx.Tx, patientID int64, o domain.Order) (int64, error) {
	if o.SampleID != "" {
		var existing int64
		err := tx.GetContext(ctx, &existing,
			`SELECT id FROM orders WHERE patient_id = ? AND sample_id = ?`, patientID, o.SampleID)
		if err == nil {
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return 0, err
		}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO orders (patient_id, sample_id, ordered_at, universal_service_id)
		VALUES (?, ?, ?, ?)
	`, patientID, o.SampleID, nullTime(o.OrderedAt), o.UniversalServiceID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func upsertResult(ctx context.Context, tx *sqlx.Tx, orderID int64, r domain.Result) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO results (
			order_id, analyzer_instance, test_code, value, units,
			reference_range, abnormal_flag, observed_at, sync_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(analyzer_instance, order_id, test_code, observed_at) DO UPDATE SET
			value           = excluded.value,
			units           = excluded.units,
			reference_range = excluded.reference_range,
			abnormal_flag   = excluded.abnormal_flag
	`, orderID, r.AnalyzerInstance, r.TestCode, r.Value, r.Units,
		r.ReferenceRange, r.AbnormalFlag, nullTime(r.ObservedAt), string(domain.SyncLocal))
	return err
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// resultJoinRow is one row of the patients/orders/results join used to
// reconstruct domain.Record batches for the Sync Engine.
type resultJoinRow struct {
	OrderID            int64          `db:"order_id"`
	PatientExternalID  string         `db:"external_id"`
	PatientInternalID  string         `db:"internal_id"`
	PatientFullName    string         `db:"full_name"`
	PatientDOB         string         `db:"dob"`
	PatientSex         string         `db:"sex"`
	PatientPhysician   string         `db:"physician"`
	SampleID           string         `db:"sample_id"`
	OrderedAt          sql.NullTime   `db:"ordered_at"`
	UniversalServiceID string         `db:"universal_service_id"`
	ResultID           int64          `db:"id"`
	AnalyzerInstance   string         `db:"analyzer_instance"`
	TestCode           string         `db:"test_code"`
	Value              string         `db:"value"`
	Units              string         `db:"units"`
	ReferenceRange     string         `db:"reference_range"`
	AbnormalFlag       string         `db:"abnormal_flag"`
	ObservedAt         sql.NullTime   `db:"observed_at"`
	Attempts           int            `db:"attempts"`
}

// SelectLocal returns up to limit pending Results, grouped by Order, sorted
// by (patient, observed_at, row id) as required by spec §5 ("Sync Engine
// preserves per-patient result order").
func (s *Store) SelectLocal(ctx context.Context, limit int) ([]domain.Record, error) {
	qb := sq.Select(
		"r.id", "r.order_id", "r.analyzer_instance", "r.test_code", "r.value",
		"r.units", "r.reference_range", "r.abnormal_flag", "r.observed_at", "r.attempts",
		"o.sample_id", "o.ordered_at", "o.universal_service_id",
		"p.external_id", "p.internal_id", "p.full_name", "p.dob", "p.sex", "p.physician",
	).
		From("results r").
		Join("orders o ON o.id = r.order_id").
		Join("patients p ON p.id = o.patient_id").
		Where(sq.Eq{"r.sync_status": string(domain.SyncLocal)}).
		Where("(r.next_attempt_at IS NULL OR r.next_attempt_at <= ?)", time.Now().UTC()).
		OrderBy("p.id", "r.observed_at", "r.id").
		Limit(uint64(limit))

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build select: %w", err)
	}

	var rows []resultJoinRow
	if err := s.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("store: select local: %w", err)
	}

	byOrder := make(map[int64]*domain.Record)
	var order []int64
	for _, row := range rows {
		rec, ok := byOrder[row.OrderID]
		if !ok {
			rec = &domain.Record{
				Patient: domain.Patient{
					ExternalID: row.PatientExternalID,
					InternalID: row.PatientInternalID,
					FullName:   row.PatientFullName,
					DOB:        row.PatientDOB,
					Sex:        row.PatientSex,
					Physician:  row.PatientPhysician,
				},
				Order: domain.Order{
					ID:                 row.OrderID,
					SampleID:           row.SampleID,
					OrderedAt:          row.OrderedAt.Time,
					UniversalServiceID: row.UniversalServiceID,
				},
			}
			byOrder[row.OrderID] = rec
			order = append(order, row.OrderID)
		}
		rec.Results = append(rec.Results, domain.Result{
			ID:               row.ResultID,
			OrderID:          row.OrderID,
			AnalyzerInstance: row.AnalyzerInstance,
			TestCode:         row.TestCode,
			Value:            row.Value,
			Units:            row.Units,
			ReferenceRange:   row.ReferenceRange,
			AbnormalFlag:     row.AbnormalFlag,
			ObservedAt:       row.ObservedAt.Time,
			SyncStatus:       domain.SyncLocal,
			Attempts:         row.Attempts,
		})
	}

	out := make([]domain.Record, 0, len(order))
	for _, id := range order {
		out = append(out, *byOrder[id])
	}
	return out, nil
}

// SelectArchivable returns up to limit synced Results whose synced_at
// predates cutoff, grouped by Order in the same shape SelectLocal uses, so
// the Sweeper can hand them to the Archiver as one JSON-encoded batch.
func (s *Store) SelectArchivable(ctx context.Context, cutoff time.Time, limit int) ([]domain.Record, error) {
	qb := sq.Select(
		"r.id", "r.order_id", "r.analyzer_instance", "r.test_code", "r.value",
		"r.units", "r.reference_range", "r.abnormal_flag", "r.observed_at", "r.attempts",
		"o.sample_id", "o.ordered_at", "o.universal_service_id",
		"p.external_id", "p.internal_id", "p.full_name", "p.dob", "p.sex", "p.physician",
	).
		From("results r").
		Join("orders o ON o.id = r.order_id").
		Join("patients p ON p.id = o.patient_id").
		Where(sq.Eq{"r.sync_status": string(domain.SyncSynced)}).
		Where(sq.Lt{"r.synced_at": cutoff}).
		OrderBy("p.id", "r.observed_at", "r.id").
		Limit(uint64(limit))

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build archivable select: %w", err)
	}

	var rows []resultJoinRow
	if err := s.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("store: select archivable: %w", err)
	}

	byOrder := make(map[int64]*domain.Record)
	var order []int64
	for _, row := range rows {
		rec, ok := byOrder[row.OrderID]
		if !ok {
			rec = &domain.Record{
				Patient: domain.Patient{
					ExternalID: row.PatientExternalID,
					InternalID: row.PatientInternalID,
					FullName:   row.PatientFullName,
					DOB:        row.PatientDOB,
					Sex:        row.PatientSex,
					Physician:  row.PatientPhysician,
				},
				Order: domain.Order{
					ID:                 row.OrderID,
					SampleID:           row.SampleID,
					OrderedAt:          row.OrderedAt.Time,
					UniversalServiceID: row.UniversalServiceID,
				},
			}
			byOrder[row.OrderID] = rec
			order = append(order, row.OrderID)
		}
		rec.Results = append(rec.Results, domain.Result{
			ID:               row.ResultID,
			OrderID:          row.OrderID,
			AnalyzerInstance: row.AnalyzerInstance,
			TestCode:         row.TestCode,
			Value:            row.Value,
			Units:            row.Units,
			ReferenceRange:   row.ReferenceRange,
			AbnormalFlag:     row.AbnormalFlag,
			ObservedAt:       row.ObservedAt.Time,
			SyncStatus:       domain.SyncSynced,
			Attempts:         row.Attempts,
		})
	}

	out := make([]domain.Record, 0, len(order))
	for _, id := range order {
		out = append(out, *byOrder[id])
	}
	return out, nil
}

// DeleteResults permanently removes the given Result rows, used by the
// Archiver once it has durably written their batch to cold storage. Orphaned
// orders/patients (every result deleted) are left in place: they carry no
// sync_status of their own and cost nothing to keep as lookup history.
func (s *Store) DeleteResults(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sq.Delete("results").
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, query, args...)
	return err
}

// MarkSynced flips sync_status to synced for every given Result id, used
// after a 2xx response covering the whole batch (spec §4.7: "Any 2xx
// commits synced for all rows in the batch").
func (s *Store) MarkSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sq.Update("results").
		Set("sync_status", string(domain.SyncSynced)).
		Set("synced_at", time.Now().UTC()).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, query, args...)
	return err
}

// MarkPoisoned flips sync_status to poisoned, excluding the row from future
// attempts (spec §4.7: "any 4xx other than 408/429 marks the row as
// poisoned").
func (s *Store) MarkPoisoned(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sq.Update("results").
		Set("sync_status", string(domain.SyncPoisoned)).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	for range ids {
		metrics.IncSyncPoisoned()
	}
	return nil
}

// ScheduleRetry bumps a Result's attempt count and next_attempt_at after a
// retryable failure.
func (s *Store) ScheduleRetry(ctx context.Context, ids []int64, attempts int, nextAttemptAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sq.Update("results").
		Set("attempts", attempts).
		Set("next_attempt_at", nextAttemptAt).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, query, args...)
	return err
}

// CountLocal returns the number of rows still in sync_status = local, for
// the sync_backlog gauge.
func (s *Store) CountLocal(ctx context.Context) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM results WHERE sync_status = ?`, string(domain.SyncLocal))
	return n, err
}
