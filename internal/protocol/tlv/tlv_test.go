package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "H.264"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
	if !bytes.Equal(EncodeField(in[0]), b[:HeaderLen+len("H.264")]) {
		t.Fatalf("EncodeField and EncodeFields disagree")
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestTypedAccessors(t *testing.T) {
	fields, err := DecodeUnique(EncodeFields([]Field{
		String(1, "aac"),
		U32(2, 7),
		U64(3, 1<<40),
		Bool(4, true),
		{ID: 5, Type: TypeU8, Value: []byte{9}},
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s, err := GetString(fields, 1); err != nil || s != "aac" {
		t.Fatalf("string=%q err=%v", s, err)
	}
	if v, err := GetU32(fields, 2); err != nil || v != 7 {
		t.Fatalf("u32=%d err=%v", v, err)
	}
	if v, err := GetU64(fields, 3); err != nil || v != 1<<40 {
		t.Fatalf("u64=%d err=%v", v, err)
	}
	if v, err := GetBool(fields, 4); err != nil || !v {
		t.Fatalf("bool=%v err=%v", v, err)
	}
	if _, err := GetString(fields, 2); err == nil {
		t.Fatalf("expected type mismatch")
	}
	if _, err := GetU32(fields, 42); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestDecodeUniqueRejectsRepeatedIDs(t *testing.T) {
	_, err := DecodeUnique(EncodeFields([]Field{String(1, "a"), String(1, "b")}))
	if !errors.Is(err, ErrDuplicateField) {
		t.Fatalf("expected ErrDuplicateField, got %v", err)
	}
}
