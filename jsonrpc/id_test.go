package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    interface{}
		wantErr bool
	}{
		{"string id", `"abc-1"`, "abc-1", false},
		{"integer id", `42`, int64(42), false},
		{"zero id", `0`, int64(0), false},
		{"fractional id", `1.5`, 1.5, false},
		{"null id", `null`, nil, false},
		{"boolean id", `true`, nil, true},
		{"object id", `{"a":1}`, nil, true},
		{"array id", `[1]`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id ID
			err := json.Unmarshal([]byte(tt.input), &id)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id.Value())
		})
	}
}

func TestID_MarshalPreservesShape(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"string id", `"abc-1"`, `"abc-1"`},
		{"integer id stays integral", `42`, `42`},
		{"large integer", `9007199254740991`, `9007199254740991`},
		{"absent id marshals as null", `null`, `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id ID
			require.NoError(t, json.Unmarshal([]byte(tt.input), &id))
			out, err := json.Marshal(id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestNewID(t *testing.T) {
	id, err := NewID("req-7")
	require.NoError(t, err)
	assert.Equal(t, "req-7", id.Value())

	id, err = NewID(7)
	require.NoError(t, err)
	assert.Equal(t, 7, id.Value())

	same, err := NewID(id)
	require.NoError(t, err)
	assert.True(t, same.Equal(id))

	id, err = NewID(nil)
	require.NoError(t, err)
	assert.True(t, id.IsNil())

	_, err = NewID(true)
	assert.Error(t, err)
}

func TestID_Equal(t *testing.T) {
	var numeric ID
	require.NoError(t, json.Unmarshal([]byte(`3`), &numeric))
	var str ID
	require.NoError(t, json.Unmarshal([]byte(`"3"`), &str))

	assert.True(t, numeric.Equal(int64(3)))
	assert.True(t, str.Equal("3"))
	assert.False(t, numeric.Equal(str), "a numeric and a string identifier never match")
	assert.False(t, numeric.Equal(nil))
	assert.False(t, ID{}.Equal(int64(0)), "absent is not zero")
}

func TestID_String(t *testing.T) {
	var id ID
	require.NoError(t, json.Unmarshal([]byte(`"abc"`), &id))
	assert.Equal(t, `"abc"`, id.String())

	require.NoError(t, json.Unmarshal([]byte(`12`), &id))
	assert.Equal(t, "12", id.String())

	assert.Equal(t, "<none>", ID{}.String())
}

func TestRequest_NotificationHasNoID(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`), &req))
	assert.True(t, req.ID.IsNil())
	assert.Equal(t, "notifications/initialized", req.Method)
}
