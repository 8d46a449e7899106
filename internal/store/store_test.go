package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kstaniek/labgw/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleRecord() domain.Record {
	return domain.Record{
		Patient: domain.Patient{ExternalID: "PID123", FullName: "Doe^Jane"},
		Order:   domain.Order{SampleID: "SAMPLE1", OrderedAt: time.Now().UTC()},
		Results: []domain.Result{
			{AnalyzerInstance: "Analyzer1", TestCode: "GLU", Value: "98", ObservedAt: time.Now().UTC()},
			{AnalyzerInstance: "Analyzer1", TestCode: "K", Value: "4.1", ObservedAt: time.Now().UTC()},
		},
	}
}

func TestSaveRecordAndSelectLocal(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.SaveRecord(ctx, sampleRecord()); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}

	recs, err := st.SelectLocal(ctx, 10)
	if err != nil {
		t.Fatalf("SelectLocal: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 grouped record, got %d", len(recs))
	}
	if recs[0].Patient.ExternalID != "PID123" {
		t.Fatalf("expected patient PID123, got %q", recs[0].Patient.ExternalID)
	}
	if len(recs[0].Results) != 2 {
		t.Fatalf("expected 2 results under the one order, got %d", len(recs[0].Results))
	}

	n, err := st.CountLocal(ctx)
	if err != nil {
		t.Fatalf("CountLocal: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 local rows, got %d", n)
	}
}

func TestMarkSyncedRemovesFromLocal(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	if err := st.SaveRecord(ctx, sampleRecord()); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	recs, err := st.SelectLocal(ctx, 10)
	if err != nil {
		t.Fatalf("SelectLocal: %v", err)
	}
	ids := make([]int64, 0)
	for _, r := range recs[0].Results {
		ids = append(ids, r.ID)
	}
	if err := st.MarkSynced(ctx, ids); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	n, err := st.CountLocal(ctx)
	if err != nil {
		t.Fatalf("CountLocal: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 local rows after MarkSynced, got %d", n)
	}
}

func TestMarkPoisonedRemovesFromLocal(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	if err := st.SaveRecord(ctx, sampleRecord()); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	recs, _ := st.SelectLocal(ctx, 10)
	ids := []int64{recs[0].Results[0].ID}
	if err := st.MarkPoisoned(ctx, ids); err != nil {
		t.Fatalf("MarkPoisoned: %v", err)
	}
	n, err := st.CountLocal(ctx)
	if err != nil {
		t.Fatalf("CountLocal: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 remaining local row, got %d", n)
	}
}

func TestSelectArchivableReturnsOnlySyncedRowsOlderThanCutoff(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	if err := st.SaveRecord(ctx, sampleRecord()); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	recs, _ := st.SelectLocal(ctx, 10)
	ids := make([]int64, 0)
	for _, r := range recs[0].Results {
		ids = append(ids, r.ID)
	}
	if err := st.MarkSynced(ctx, ids); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	if got, err := st.SelectArchivable(ctx, time.Now().UTC().Add(-time.Hour), 10); err != nil || len(got) != 0 {
		t.Fatalf("expected no archivable rows before their synced_at, got %d results (err=%v)", len(got), err)
	}

	got, err := st.SelectArchivable(ctx, time.Now().UTC().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("SelectArchivable: %v", err)
	}
	if len(got) != 1 || len(got[0].Results) != 2 {
		t.Fatalf("expected 1 grouped record with 2 synced results, got %+v", got)
	}
}

func TestDeleteResultsRemovesRows(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	if err := st.SaveRecord(ctx, sampleRecord()); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	recs, _ := st.SelectLocal(ctx, 10)
	ids := make([]int64, 0)
	for _, r := range recs[0].Results {
		ids = append(ids, r.ID)
	}
	if err := st.MarkSynced(ctx, ids); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	if err := st.DeleteResults(ctx, ids); err != nil {
		t.Fatalf("DeleteResults: %v", err)
	}

	got, err := st.SelectArchivable(ctx, time.Now().UTC().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("SelectArchivable: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected deleted rows to no longer be archivable, got %+v", got)
	}
}

func TestScheduleRetryDefersNextAttempt(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	if err := st.SaveRecord(ctx, sampleRecord()); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	recs, _ := st.SelectLocal(ctx, 10)
	ids := []int64{recs[0].Results[0].ID}

	future := time.Now().UTC().Add(time.Hour)
	if err := st.ScheduleRetry(ctx, ids, 1, future); err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}

	// The retried row's next_attempt_at is in the future, so SelectLocal
	// should no longer return it while the other row still appears.
	recs2, err := st.SelectLocal(ctx, 10)
	if err != nil {
		t.Fatalf("SelectLocal: %v", err)
	}
	if len(recs2[0].Results) != 1 {
		t.Fatalf("expected deferred result excluded, got %d results", len(recs2[0].Results))
	}
}

func TestSaveRecordUpsertsSamePatientAndOrder(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	rec := sampleRecord()
	if err := st.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("first SaveRecord: %v", err)
	}
	// Re-deliver the same patient/order/result (e.g. analyzer retransmit).
	if err := st.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("second SaveRecord: %v", err)
	}
	recs, err := st.SelectLocal(ctx, 10)
	if err != nil {
		t.Fatalf("SelectLocal: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected upsert to keep a single order group, got %d", len(recs))
	}
	if len(recs[0].Results) != 2 {
		t.Fatalf("expected upsert to keep 2 distinct results, got %d", len(recs[0].Results))
	}
}
