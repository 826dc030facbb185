package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// ID represents a JSON-RPC request identifier, which must be either a
// string or a number. The zero value represents an absent identifier,
// as carried by notifications.
type ID struct {
	value interface{}
}

// NewID creates an ID from a string or number.
func NewID(v interface{}) (ID, error) {
	switch v := v.(type) {
	case ID:
		return v, nil
	case string:
		return ID{value: v}, nil
	case int, int32, int64, float32, float64:
		return ID{value: v}, nil
	case nil:
		return ID{}, nil
	default:
		return ID{}, fmt.Errorf("id must be string or number, got %T", v)
	}
}

// Value returns the underlying string or number, or nil when absent.
func (id ID) Value() interface{} {
	return id.value
}

// IsNil reports whether the identifier is absent.
func (id ID) IsNil() bool {
	return id.value == nil
}

// Equal compares two IDs, or an ID against a raw string or number. Numeric
// identifiers compare by value: a frame parsed off the wire holds int64
// while a caller may pass a plain int, and both name the same identifier.
func (id ID) Equal(other interface{}) bool {
	switch v := other.(type) {
	case ID:
		return id.Equal(v.value)
	case string:
		s, ok := id.value.(string)
		return ok && s == v
	case int, int32, int64, float32, float64:
		a, ok := asNumber(id.value)
		if !ok {
			return false
		}
		b, _ := asNumber(v)
		return a == b
	default:
		return false
	}
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

var _ fmt.Stringer = ID{}

func (id ID) String() string {
	switch v := id.value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case nil:
		return "<none>"
	default:
		return fmt.Sprintf("%v", v)
	}
}

var _ json.Marshaler = ID{}

// MarshalJSON marshals the identifier exactly as it arrived. An absent
// identifier marshals as null; an identifier is never synthesized for a
// frame whose own identifier could not be recovered.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

var _ json.Unmarshaler = &ID{}

func (id *ID) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case string:
		id.value = v
		return nil
	case float64: // JSON numbers decode as float64
		if v == float64(int64(v)) {
			id.value = int64(v)
		} else {
			id.value = v
		}
		return nil
	case nil:
		id.value = nil
		return nil
	default:
		return fmt.Errorf("id must be string or number, got %T", raw)
	}
}
