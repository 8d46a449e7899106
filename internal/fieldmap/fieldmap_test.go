package fieldmap

import (
	"testing"

	"github.com/kstaniek/labgw/internal/record"
)

func decodeASTMMessage(t *testing.T, lines ...string) *record.Message {
	t.Helper()
	raw := make([][]byte, len(lines))
	for i, l := range lines {
		raw[i] = []byte(l)
	}
	return record.DecodeASTM(raw)
}

func TestMap_HappyPath(t *testing.T) {
	msg := decodeASTMMessage(t,
		"H|\\^&|||Analyzer1",
		"P|1|PID123|||Doe^Jane",
		"O|1|SAMPLE1||^^^GLU",
		"R|1|^^^GLU|98|mg/dL|70-110|N||F||20260730120000",
		"L|1|N",
	)
	rec, warnings, err := Map(msg, DefaultASTM)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
	if rec.Patient.ExternalID != "PID123" {
		t.Fatalf("expected ExternalID PID123, got %q", rec.Patient.ExternalID)
	}
	if rec.Patient.FullName != "Doe Jane" {
		t.Fatalf("expected combined family/given name %q, got %q", "Doe Jane", rec.Patient.FullName)
	}
	if rec.Order.SampleID != "SAMPLE1" {
		t.Fatalf("expected SampleID SAMPLE1, got %q", rec.Order.SampleID)
	}
	if rec.Order.UniversalServiceID != "GLU" {
		t.Fatalf("expected universal service id GLU, got %q", rec.Order.UniversalServiceID)
	}
	if len(rec.Results) != 1 || rec.Results[0].TestCode != "GLU" {
		t.Fatalf("expected one result with test code GLU, got %+v", rec.Results)
	}
}

func TestMap_RejectsMissingPatientIdentity(t *testing.T) {
	msg := decodeASTMMessage(t,
		"H|\\^&|||Analyzer1",
		"P|1||||Doe^Jane",
		"L|1|N",
	)
	_, _, err := Map(msg, DefaultASTM)
	if err == nil {
		t.Fatalf("expected error for patient with no identity")
	}
}

func TestMap_WarnsOnEmptySampleID(t *testing.T) {
	msg := decodeASTMMessage(t,
		"H|\\^&|||Analyzer1",
		"P|1||PID123",
		"O|1||",
		"L|1|N",
	)
	_, warnings, err := Map(msg, DefaultASTM)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 1 || warnings[0].RecordType != record.TypeOrder {
		t.Fatalf("expected one order warning, got %v", warnings)
	}
}

func TestMap_DropsResultWithEmptyTestCode(t *testing.T) {
	msg := decodeASTMMessage(t,
		"H|\\^&|||Analyzer1",
		"P|1||PID123",
		"O|1|SAMPLE1",
		"R|1|||98",
		"L|1|N",
	)
	rec, warnings, err := Map(msg, DefaultASTM)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.Results) != 0 {
		t.Fatalf("expected result to be dropped, got %+v", rec.Results)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected one warning for dropped result, got %v", warnings)
	}
}

func TestTable_ResolveFallsBackToProtocolDefault(t *testing.T) {
	table := NewTable(nil)
	if got := table.Resolve("", "ASTM"); got.ID != DefaultASTM.ID {
		t.Fatalf("expected ASTM default, got %q", got.ID)
	}
	if got := table.Resolve("unknown-id", "HL7"); got.ID != DefaultHL7.ID {
		t.Fatalf("expected HL7 default, got %q", got.ID)
	}
}

func TestTable_ResolveOverride(t *testing.T) {
	custom := FieldMap{ID: "acme-ar3000", PatientExternalID: 4}
	table := NewTable([]FieldMap{custom})
	got := table.Resolve("acme-ar3000", "ASTM")
	if got.PatientExternalID != 4 {
		t.Fatalf("expected override field map, got %+v", got)
	}
}

func TestMap_AcceptsEmptyPatientNameAndDOB(t *testing.T) {
	msg := decodeASTMMessage(t,
		"H|\\^&|||Analyzer1",
		"P|1|PID123",
		"O|1|SAMPLE1",
		"R|1|GLU|98",
		"L|1|N",
	)
	rec, _, err := Map(msg, DefaultASTM)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Patient.FullName != "" || rec.Patient.DOB != "" {
		t.Fatalf("expected blank name/DOB to pass through as empty strings, got %+v", rec.Patient)
	}
}

func TestMap_AcceptsZeroLengthResultValue(t *testing.T) {
	msg := decodeASTMMessage(t,
		"H|\\^&|||Analyzer1",
		"P|1|PID123",
		"O|1|SAMPLE1",
		"R|1|GLU|",
		"L|1|N",
	)
	rec, _, err := Map(msg, DefaultASTM)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.Results) != 1 || rec.Results[0].Value != "" {
		t.Fatalf("expected one result with empty value kept (test code present), got %+v", rec.Results)
	}
}
