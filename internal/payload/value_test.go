// internal/payload/value_test.go
package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAny_Nested(t *testing.T) {
	v, err := FromAny(map[string]any{
		"name":  "disk",
		"count": 3,
		"ok":    true,
		"tags":  []any{"a", "b"},
		"meta":  map[string]any{"host": nil},
	})
	require.NoError(t, err)

	assert.Equal(t, KindMapping, v.Kind())
	name, ok := v.Field("name")
	require.True(t, ok)
	assert.Equal(t, "disk", name.AsString())

	count, _ := v.Field("count")
	assert.Equal(t, KindNumber, count.Kind())
	assert.Equal(t, 3.0, count.AsNumber())

	tags, _ := v.Field("tags")
	assert.Len(t, tags.Items(), 2)

	host, ok := Lookup(v, "meta.host")
	require.True(t, ok)
	assert.True(t, host.IsNull())
}

func TestFromAny_YAMLStyleMap(t *testing.T) {
	v, err := FromAny(map[any]any{"k": 1, 2: "two"})
	require.NoError(t, err)

	two, ok := v.Field("2")
	require.True(t, ok)
	assert.Equal(t, "two", two.AsString())
}

func TestFromAny_Unsupported(t *testing.T) {
	_, err := FromAny(make(chan int))
	assert.Error(t, err)
}

func TestJSONRoundTripKeepsKinds(t *testing.T) {
	in := `{"a":1.5,"b":[true,null,"x"],"c":{"d":2}}`
	v, err := Parse([]byte(in))
	require.NoError(t, err)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestMarshalJSON_SortedKeys(t *testing.T) {
	v := MustFromAny(map[string]any{"z": 1, "a": 2, "m": 3})
	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"m":3,"z":1}`, string(out))
}

func TestEqual(t *testing.T) {
	a := MustFromAny(map[string]any{"x": []any{1, "y"}})
	b := MustFromAny(map[string]any{"x": []any{1.0, "y"}})
	c := MustFromAny(map[string]any{"x": []any{1, "z"}})

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(String("1"), Number(1)))
}

func TestText(t *testing.T) {
	assert.Equal(t, "42", Number(42).Text())
	assert.Equal(t, "1.25", Number(1.25).Text())
	assert.Equal(t, "true", Bool(true).Text())
	assert.Equal(t, "", Null().Text())
	assert.Equal(t, `["a"]`, Sequence(String("a")).Text())
}

func TestLookup(t *testing.T) {
	v := MustFromAny(map[string]any{
		"k1": "v1",
		"nested": map[string]any{
			"list": []any{map[string]any{"id": 7}},
		},
		"host.name":  "web-1",
		"$meta":      "dollar",
		"a":          map[string]any{"b": "short"},
		"a.b":        "literal",
		"only.dotty": map[string]any{"x": 1},
	})

	tests := []struct {
		path  string
		want  any
		found bool
	}{
		{"k1", "v1", true},
		{"nested.list.0.id", 7.0, true},
		{"nested.list.-1.id", 7.0, true},
		{"nested.list.5.id", nil, false},
		{"host.name", "web-1", true},
		{"$meta", "dollar", true},
		{"a.b", "short", true},
		{"only.dotty.x", 1.0, true},
		{"missing.child", nil, false},
		{"k1.deeper", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := Lookup(v, tt.path)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.want, got.ToAny())
			}
		})
	}
}

func TestEscapeKeys(t *testing.T) {
	v := MustFromAny(map[string]any{
		"host.name": "web",
		"$ref":      []any{map[string]any{"a.b": 1}},
	})

	escaped := EscapeKeys(v)
	for k := range escaped.Fields() {
		assert.NotContains(t, k, ".")
		assert.NotContains(t, k, "$")
	}

	assert.True(t, Equal(v, UnescapeKeys(escaped)))
}

func TestEscapeKeysRoundTripsFullWidthKeys(t *testing.T) {
	keys := []string{"a．b", "＄ref", "％", "50％.off", "％．", "％％＄", "a.b", "．.$＄"}
	fields := map[string]any{}
	for i, k := range keys {
		fields[k] = i
	}
	v := MustFromAny(fields)

	escaped := EscapeKeys(v)
	assert.Len(t, escaped.Fields(), len(keys), "distinct keys stay distinct")
	for k := range escaped.Fields() {
		assert.NotContains(t, k, ".")
		assert.NotContains(t, k, "$")
	}
	assert.True(t, Equal(v, UnescapeKeys(escaped)))

	for _, k := range keys {
		_, ok := UnescapeKeys(EscapeKeys(MustFromAny(map[string]any{k: 1}))).Field(k)
		assert.True(t, ok, k)
	}
}

func TestWith(t *testing.T) {
	base := MustFromAny(map[string]any{"a": 1})
	next := base.With("b", String("x"))

	_, ok := base.Field("b")
	assert.False(t, ok, "With must not mutate the receiver")
	b, ok := next.Field("b")
	require.True(t, ok)
	assert.Equal(t, "x", b.AsString())
}
