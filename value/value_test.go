package value

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	storeerrors "github.com/gozephyr/prefcache/errors"
)

func sample() Value {
	m := NewMap().
		Set("title", String("Clair de Lune")).
		Set("position", Number(93.25)).
		Set("muted", Bool(false)).
		Set("tags", List(String("piano"), String("debussy"))).
		Set("cover", Null())
	return Object(m)
}

func TestJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		v    Value
	}{
		{"null", Null()},
		{"true", Bool(true)},
		{"false", Bool(false)},
		{"integer", Int(42)},
		{"negative float", Number(-0.125)},
		{"large", Number(1e21)},
		{"tiny", Number(1e-7)},
		{"string", String("dark")},
		{"escapes", String("line\n\"quoted\" <tag> é \U0001F3B5")},
		{"empty list", List()},
		{"empty map", Object(nil)},
		{"nested", sample()},
		{"list of maps", List(sample(), Object(NewMap().Set("a", List(Int(1), Int(2)))))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, err := AppendJSON(nil, tt.v)
			require.NoError(t, err)
			require.True(t, json.Valid(text))

			got, err := ParseJSON(string(text))
			require.NoError(t, err)
			require.True(t, tt.v.Equal(got), "got %s", text)
		})
	}
}

func TestParseKeepsMemberOrder(t *testing.T) {
	v, err := ParseJSON(`{"z":1,"a":2,"m":3}`)
	require.NoError(t, err)
	m, ok := v.AsMap()
	require.True(t, ok)
	require.Equal(t, []string{"z", "a", "m"}, m.Keys())

	text, err := AppendJSON(nil, v)
	require.NoError(t, err)
	require.Equal(t, `{"z":1,"a":2,"m":3}`, string(text))
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "{", "nope", `{"a":}`, "[1,2"} {
		_, err := ParseJSON(in)
		require.Error(t, err, in)
	}
}

func TestValidateRejectsNonFinite(t *testing.T) {
	for _, n := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		v := List(Int(1), Object(NewMap().Set("n", Number(n))))
		err := v.Validate()
		require.ErrorIs(t, err, storeerrors.ErrSerialization)

		_, err = AppendJSON(nil, v)
		require.ErrorIs(t, err, storeerrors.ErrSerialization)
	}
}

func TestValidateRejectsInvalidUTF8(t *testing.T) {
	tests := map[string]Value{
		"string":     String("caf\xe9"),
		"nested":     List(Object(NewMap().Set("name", String("\xff")))),
		"object key": Object(NewMap().Set("caf\xe9", Int(1))),
	}
	for name, v := range tests {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, v.Validate(), storeerrors.ErrSerialization)
			_, err := AppendJSON(nil, v)
			require.ErrorIs(t, err, storeerrors.ErrSerialization)
		})
	}
	require.NoError(t, String("café ☕").Validate())
}

func TestClone(t *testing.T) {
	inner := NewMap().Set("muted", Bool(false))
	orig := Object(NewMap().Set("audio", Object(inner)).Set("recent", List(String("a"), String("b"))))
	copied := orig.Clone()
	require.True(t, orig.Equal(copied))

	m, _ := copied.AsMap()
	audio, _ := m.Get("audio")
	am, _ := audio.AsMap()
	am.Set("muted", Bool(true))
	recent, _ := m.Get("recent")
	items, _ := recent.AsList()
	items[0] = String("z")
	m.Set("extra", Int(1))

	muted, _ := inner.Get("muted")
	require.True(t, Bool(false).Equal(muted))
	require.False(t, orig.Equal(copied))
	om, _ := orig.AsMap()
	require.Equal(t, 2, om.Len())

	require.True(t, Int(7).Equal(Int(7).Clone()))
	require.True(t, Null().Clone().IsNull())
}

func TestEqual(t *testing.T) {
	a := Object(NewMap().Set("x", Int(1)).Set("y", Int(2)))
	b := Object(NewMap().Set("y", Int(2)).Set("x", Int(1)))
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(Object(NewMap().Set("x", Int(1)))))
	require.False(t, List(Int(1), Int(2)).Equal(List(Int(2), Int(1))))
	require.False(t, String("1").Equal(Int(1)))
	require.True(t, Null().Equal(Value{}))
}

func TestMapOperations(t *testing.T) {
	m := NewMap().Set("a", Int(1)).Set("b", Int(2)).Set("c", Int(3))
	m.Set("a", Int(10))
	require.Equal(t, []string{"a", "b", "c"}, m.Keys())

	m.Delete("b")
	require.Equal(t, []string{"a", "c"}, m.Keys())
	got, ok := m.Get("c")
	require.True(t, ok)
	require.True(t, got.Equal(Int(3)))

	m.Delete("missing")
	require.Equal(t, 2, m.Len())

	var nilMap *Map
	require.Equal(t, 0, nilMap.Len())
	_, ok = nilMap.Get("a")
	require.False(t, ok)
}

func TestFromAndToAny(t *testing.T) {
	in := map[string]any{
		"volume":  0.8,
		"track":   3,
		"shuffle": true,
		"queue":   []any{"a", "b"},
		"meta":    map[string]string{"k": "v"},
		"none":    nil,
	}
	v, err := From(in)
	require.NoError(t, err)
	m, ok := v.AsMap()
	require.True(t, ok)
	require.Equal(t, []string{"meta", "none", "queue", "shuffle", "track", "volume"}, m.Keys())

	out := v.ToAny().(map[string]any)
	require.Equal(t, 0.8, out["volume"])
	require.Equal(t, float64(3), out["track"])
	require.Equal(t, []any{"a", "b"}, out["queue"])
	require.Nil(t, out["none"])

	_, err = From(struct{}{})
	require.ErrorIs(t, err, storeerrors.ErrSerialization)
	require.Panics(t, func() { MustFrom(make(chan int)) })
}

func TestStdlibJSONInterop(t *testing.T) {
	data, err := json.Marshal(map[string]Value{"v": sample()})
	require.NoError(t, err)

	var back map[string]Value
	require.NoError(t, json.Unmarshal(data, &back))
	require.True(t, sample().Equal(back["v"]))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "map", KindMap.String())
	require.Equal(t, "null", Null().Kind().String())
	require.Equal(t, "kind(42)", Kind(42).String())
}
