// Package fieldmap projects a protocol-neutral record.Message onto the
// canonical domain model using a per-analyzer-type field map, per spec §4.4.
// Vendor quirks are table entries here, not parser subclasses (spec's
// "Deep parser inheritance" redesign flag): an analyzer that puts Patient ID
// in PID-3 instead of PID-2 gets its own FieldMap entry, never a new Go type.
package fieldmap

import (
	"fmt"
	"strings"
	"time"

	"github.com/kstaniek/labgw/internal/domain"
	"github.com/kstaniek/labgw/internal/record"
)

// FieldMap gives the 1-based field index, within the already-parsed Rec,
// that holds each mapped attribute. An override is used as given, with no
// merging against the protocol default: an attribute left at index 0 reads
// as an empty field.
type FieldMap struct {
	ID string

	PatientExternalID int // P-3 / PID-2
	PatientInternalID int // P-4 / PID-3
	PatientFullName    int // P-6 / PID-5
	PatientDOB         int // P-8 / PID-7
	PatientSex         int // P-9 / PID-8
	PatientPhysician   int // P-15 / PID-8... varies; default below

	OrderSampleID          int // O-3 / OBR-3
	OrderUniversalServiceID int // O-5 / OBR-4

	ResultTestCode       int // R-3 / OBX-3
	ResultValue          int // R-4 / OBX-5
	ResultUnits          int // R-5 / OBX-6
	ResultReferenceRange int // R-6 / OBX-7
	ResultAbnormalFlag   int // R-7 / OBX-8
	ResultObservedAt     int // R-13 / OBX-14
}

// DefaultASTM matches the field numbers spec §4.3 assigns to standards-
// compliant ASTM analyzers, under the indexing convention that Field(1) is
// the record type letter itself (see record.Rec.Field).
var DefaultASTM = FieldMap{
	ID:                      "astm-default",
	PatientExternalID:       3,
	PatientInternalID:       4,
	PatientFullName:         6,
	PatientDOB:              8,
	PatientSex:              9,
	PatientPhysician:        15,
	OrderSampleID:           3,
	OrderUniversalServiceID: 5,
	ResultTestCode:          3,
	ResultValue:             4,
	ResultUnits:             5,
	ResultReferenceRange:    6,
	ResultAbnormalFlag:      7,
	ResultObservedAt:        13,
}

// DefaultHL7 matches spec §4.3's HL7 field numbers, same Field(1)=segment-id
// indexing convention (PID-2 is Field(3), OBX-3 is Field(4), etc).
var DefaultHL7 = FieldMap{
	ID:                      "hl7-default",
	PatientExternalID:       3,  // PID-2
	PatientInternalID:       4,  // PID-3
	PatientFullName:         6,  // PID-5
	PatientDOB:              8,  // PID-7
	PatientSex:              9,  // PID-8
	PatientPhysician:        15, // PID-14 attending, closest standard slot
	OrderSampleID:           4,  // OBR-3
	OrderUniversalServiceID: 5,  // OBR-4
	ResultTestCode:          4,  // OBX-3
	ResultValue:             6,  // OBX-5
	ResultUnits:             7,  // OBX-6
	ResultReferenceRange:    8,  // OBX-7
	ResultAbnormalFlag:      9,  // OBX-8
	ResultObservedAt:        15, // OBX-14
}

// Warning describes a non-fatal mapping problem: the offending record is
// dropped but the rest of the Message continues decoding (spec §4.4).
type Warning struct {
	RecordType record.Type
	Detail     string
}

func (w Warning) String() string {
	return fmt.Sprintf("mapping warning on %s record: %s", w.RecordType, w.Detail)
}

// Table resolves a field_map_id to a concrete FieldMap, falling back to the
// protocol default when no override is registered.
type Table struct {
	overrides map[string]FieldMap
}

// NewTable builds a Table from a set of per-analyzer overrides (config-
// loaded); an empty set is valid and makes every lookup fall through to the
// protocol default.
func NewTable(overrides []FieldMap) *Table {
	t := &Table{overrides: make(map[string]FieldMap, len(overrides))}
	for _, fm := range overrides {
		t.overrides[fm.ID] = fm
	}
	return t
}

// Resolve returns the FieldMap for id, or the protocol default if id is
// empty or unregistered.
func (t *Table) Resolve(id, protocol string) FieldMap {
	if id != "" {
		if fm, ok := t.overrides[id]; ok {
			return fm
		}
	}
	if protocol == "HL7" {
		return DefaultHL7
	}
	return DefaultASTM
}

// Map projects msg onto the canonical domain model using fm. Field and
// record level problems surface as Warnings rather than aborting: only a
// Patient with no usable identity fails the whole Message, per spec §4.3
// ("If both empty, the Message is rejected with InvalidRecord").
func Map(msg *record.Message, fm FieldMap) (domain.Record, []Warning, error) {
	var out domain.Record
	var warnings []Warning

	var currentOrder *domain.Order

	for _, rec := range msg.Records {
		switch rec.Type {
		case record.TypeHeader:
			// Delimiters and sender already captured by the decoder onto
			// Message; nothing further to project here.

		case record.TypePatient:
			p := domain.Patient{
				ExternalID: rec.Field(fm.PatientExternalID).Value(),
				InternalID: rec.Field(fm.PatientInternalID).Value(),
				FullName:   patientName(rec.Field(fm.PatientFullName)),
				DOB:        rec.Field(fm.PatientDOB).Value(),
				Sex:        rec.Field(fm.PatientSex).Value(),
				Physician:  rec.Field(fm.PatientPhysician).Value(),
			}
			if !p.HasIdentity() {
				return domain.Record{}, warnings, fmt.Errorf(
					"fieldmap: patient record has neither external nor internal id")
			}
			out.Patient = p

		case record.TypeOrder:
			sampleID := rec.Field(fm.OrderSampleID).Value()
			if sampleID == "" {
				warnings = append(warnings, Warning{
					RecordType: rec.Type,
					Detail:     "empty sample id",
				})
			}
			o := domain.Order{
				SampleID:           sampleID,
				UniversalServiceID: universalID(rec.Field(fm.OrderUniversalServiceID)),
				OrderedAt:          time.Now().UTC(),
			}
			out.Order = o
			currentOrder = &out.Order

		case record.TypeResult:
			testCode := universalID(rec.Field(fm.ResultTestCode))
			if testCode == "" {
				warnings = append(warnings, Warning{
					RecordType: rec.Type,
					Detail:     "empty test code, record dropped",
				})
				continue
			}
			r := domain.Result{
				AnalyzerInstance: msg.Source,
				TestCode:         testCode,
				Value:            rec.Field(fm.ResultValue).Value(),
				Units:            rec.Field(fm.ResultUnits).Value(),
				ReferenceRange:   rec.Field(fm.ResultReferenceRange).Value(),
				AbnormalFlag:     rec.Field(fm.ResultAbnormalFlag).Value(),
				ObservedAt:       parseObservedAt(rec.Field(fm.ResultObservedAt).Value()),
				SyncStatus:       domain.SyncLocal,
			}
			out.Results = append(out.Results, r)
			_ = currentOrder // results are appended flat; Order linkage is by Record grouping

		case record.TypeComment:
			// Free-form comments are attached to the nearest preceding O or
			// R in the original source; the core doesn't act on comment
			// text so it's dropped here rather than modeled as a field.

		case record.TypeQuery, record.TypeTerminator:
			// Recorded by the decoder, not acted upon here.
		}
	}

	return out, warnings, nil
}

// universalID reads a universal-test-ID-shaped field ("^^^code", ASTM O-5/
// R-3, HL7 OBR-4/OBX-3 convention: the local code lives in the 4th component, the
// first three identify the coding system) and returns that code. Falls
// back to Value() for analyzers that put the code straight in the field
// with no components at all.
func universalID(f record.Field) string {
	if c := f.Component(4); c != "" {
		return c
	}
	return f.Value()
}

// patientName joins the family^given components of a patient name field
// ("Doe^Jane" / "WORLANYO^TIMOTHY") into a single display string, falling
// back to Value() when the field carries no component separator.
func patientName(f record.Field) string {
	var parts []string
	if family := f.Component(1); family != "" {
		parts = append(parts, family)
	}
	if given := f.Component(2); given != "" {
		parts = append(parts, given)
	}
	if len(parts) == 0 {
		return f.Value()
	}
	return strings.Join(parts, " ")
}

// parseObservedAt accepts the common ASTM/HL7 timestamp shapes
// (YYYYMMDDHHMMSS and YYYYMMDD) and falls back to the zero time, which the
// store treats as "unknown, not failed" rather than rejecting the result.
func parseObservedAt(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{"20060102150405", "200601021504", "20060102"} {
		if len(raw) == len(layout) {
			if t, err := time.Parse(layout, raw); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}
