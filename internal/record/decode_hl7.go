package record

import "bytes"

// segmentType maps an HL7 segment id to the protocol-neutral Type it
// represents. Segments with no analog (e.g. PV1) are carried through as
// TypeComment so they are preserved but never interpreted.
var segmentType = map[string]Type{
	"MSH": TypeHeader,
	"PID": TypePatient,
	"OBR": TypeOrder,
	"OBX": TypeResult,
	"NTE": TypeComment,
	"QRD": TypeQuery,
}

// DecodeHL7 turns a sequence of CR-delimited HL7 segments (as produced by
// mllp.SplitSegments) into a protocol-neutral Message, appending a
// synthetic TypeTerminator record once all segments are consumed so the
// Field Mapper can finalize HL7 Messages exactly as it does ASTM Messages
// terminated by an explicit L record.
func DecodeHL7(segments [][]byte) *Message {
	msg := &Message{Protocol: "HL7", Delims: DefaultDelimiters}
	for _, seg := range segments {
		if len(seg) < 3 {
			continue
		}
		id := string(seg[0:3])
		fieldDelim := msg.Delims.Field
		if id == "MSH" {
			if len(seg) > 3 {
				fieldDelim = seg[3]
			}
		}
		fields := splitASTMFields(seg, fieldDelim, msg.Delims.Component, msg.Delims.Repeat)
		typ, ok := segmentType[id]
		if !ok {
			typ = TypeComment
		}
		rec := Rec{Type: typ, Fields: fields, Raw: string(seg)}
		if id == "MSH" {
			msg.Delims = deriveHL7Delimiters(seg, fieldDelim, msg.Delims)
			if v := rec.Field(4).Value(); v != "" {
				msg.Source = v
			}
			if v := rec.Field(10).Value(); v != "" {
				msg.SetControlID(v)
			}
		}
		msg.Append(rec)
	}
	msg.Append(Rec{Type: TypeTerminator})
	return msg
}

// deriveHL7Delimiters reads the encoding characters from MSH-2, which
// immediately follows the field separator with no delimiter of its own:
// MSH|^~\&|... where "^~\&" is component(^) repeat(~) escape(\) subcomponent(&).
func deriveHL7Delimiters(msh []byte, fieldDelim byte, def Delimiters) Delimiters {
	d := def
	d.Field = fieldDelim
	rest := msh[4:] // past "MSH" + field delim
	idx := bytes.IndexByte(rest, fieldDelim)
	var enc []byte
	if idx >= 0 {
		enc = rest[:idx]
	} else {
		enc = rest
	}
	if len(enc) >= 1 {
		d.Component = enc[0]
	}
	if len(enc) >= 2 {
		d.Repeat = enc[1]
	}
	if len(enc) >= 3 {
		d.Escape = enc[2]
	}
	return d
}
