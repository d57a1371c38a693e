package update

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MetadataKind discriminates the typed values an update manifest may carry
type MetadataKind int

const (
	KindString MetadataKind = iota
	KindNumber
	KindBool
	// KindBlob holds any non-scalar manifest value verbatim
	KindBlob
)

// MetadataValue is one manifest metadata entry, modeled as a typed sum of the
// known scalar kinds plus an opaque blob fallback so store serialization stays
// deterministic.
type MetadataValue struct {
	Kind MetadataKind
	Str  string
	Num  float64
	Bool bool
	Blob json.RawMessage
}

// StringValue builds a string-kind metadata value
func StringValue(s string) MetadataValue {
	return MetadataValue{Kind: KindString, Str: s}
}

// NumberValue builds a number-kind metadata value
func NumberValue(n float64) MetadataValue {
	return MetadataValue{Kind: KindNumber, Num: n}
}

// BoolValue builds a bool-kind metadata value
func BoolValue(b bool) MetadataValue {
	return MetadataValue{Kind: KindBool, Bool: b}
}

// BlobValue builds a blob-kind metadata value holding raw JSON verbatim
func BlobValue(raw json.RawMessage) MetadataValue {
	return MetadataValue{Kind: KindBlob, Blob: raw}
}

// Equal compares two metadata values by kind and content
func (v MetadataValue) Equal(other MetadataValue) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == other.Str
	case KindNumber:
		return v.Num == other.Num
	case KindBool:
		return v.Bool == other.Bool
	case KindBlob:
		return bytes.Equal(v.Blob, other.Blob)
	default:
		return false
	}
}

// MarshalJSON writes the value back in its original JSON shape
func (v MetadataValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindBlob:
		if v.Blob == nil {
			return []byte("null"), nil
		}
		return v.Blob, nil
	default:
		return nil, fmt.Errorf("unknown metadata kind %d", v.Kind)
	}
}

// UnmarshalJSON types a raw JSON value into the matching scalar kind,
// falling back to an opaque blob for objects, arrays and null
func (v *MetadataValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty metadata value")
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case '{', '[', 'n':
		blob := make(json.RawMessage, len(trimmed))
		copy(blob, trimmed)
		*v = BlobValue(blob)
	default:
		var n float64
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return err
		}
		*v = NumberValue(n)
	}
	return nil
}

// Metadata is the opaque key-value map carried from the manifest, never interpreted by the core
type Metadata map[string]MetadataValue

// ManifestFilters are matching criteria used by selection policies to scope comparisons
type ManifestFilters map[string]MetadataValue

// Matches reports whether metadata is compatible with the filters.
// A filter key absent from the metadata matches, mismatching values do not.
func (f ManifestFilters) Matches(metadata Metadata) bool {
	for key, want := range f {
		got, ok := metadata[key]
		if !ok {
			continue
		}
		if !got.Equal(want) {
			return false
		}
	}
	return true
}
