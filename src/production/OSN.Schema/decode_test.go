package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestFloatCoercions(t *testing.T) {
	dec, err := primitive.ParseDecimal128("22.5")
	require.NoError(t, err)

	cases := map[string]struct {
		doc  bson.M
		want float64
	}{
		"float64":       {bson.M{"temp": 21.5}, 21.5},
		"int32":         {bson.M{"temp": int32(21)}, 21},
		"int64":         {bson.M{"temp": int64(21)}, 21},
		"string":        {bson.M{"temp": "21.5"}, 21.5},
		"padded string": {bson.M{"temp": " 21.5 "}, 21.5},
		"decimal128":    {bson.M{"temp": dec}, 22.5},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			v, ok := Float(tc.doc, "temp")
			require.True(t, ok)
			assert.InDelta(t, tc.want, v, 1e-9)
		})
	}
}

func TestFloatFallsBackAcrossNames(t *testing.T) {
	v, ok := Float(bson.M{"ppm_CO2": 412.0}, "ppm", "ppm_CO2")
	require.True(t, ok)
	assert.Equal(t, 412.0, v)
}

func TestFloatLowercasesNames(t *testing.T) {
	v, ok := Float(bson.M{"ph": 6.4}, "pH")
	require.True(t, ok)
	assert.Equal(t, 6.4, v)
}

func TestFloatMissing(t *testing.T) {
	_, ok := Float(bson.M{"rh": 40.0}, "temp")
	assert.False(t, ok)

	_, ok = Float(bson.M{"temp": "not a number"}, "temp")
	assert.False(t, ok)

	_, ok = Float(bson.M{"temp": nil}, "temp")
	assert.False(t, ok)
}

func TestTime(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)

	got, ok := Time(bson.M{"timestamp": primitive.NewDateTimeFromTime(now)}, "timestamp")
	require.True(t, ok)
	assert.True(t, got.Equal(now))

	got, ok = Time(bson.M{"timestamp": now}, "timestamp")
	require.True(t, ok)
	assert.True(t, got.Equal(now))

	_, ok = Time(bson.M{"timestamp": "2024-01-01"}, "timestamp")
	assert.False(t, ok)
}

func TestFloatList(t *testing.T) {
	vals, ok := FloatList(bson.M{"readings": primitive.A{1.0, "2.5", int32(3)}}, "readings")
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2.5, 3}, vals)

	_, ok = FloatList(bson.M{"readings": primitive.A{1.0, true}}, "readings")
	assert.False(t, ok)
}

func TestDocList(t *testing.T) {
	docs, ok := DocList(bson.M{"relay_bank": primitive.A{
		bson.M{"position": int32(0), "enabled": true},
		bson.D{{Key: "position", Value: int32(1)}, {Key: "enabled", Value: false}},
	}}, "relays", "relay_bank")
	require.True(t, ok)
	require.Len(t, docs, 2)
	assert.Equal(t, true, docs[0]["enabled"])
	assert.Equal(t, int32(1), docs[1]["position"])
}

func TestBoolAndString(t *testing.T) {
	b, ok := Bool(bson.M{"liquid": true}, "liquid")
	require.True(t, ok)
	assert.True(t, b)

	s, ok := String(bson.M{"unit": "C"}, "unit")
	require.True(t, ok)
	assert.Equal(t, "C", s)

	_, ok = String(bson.M{"unit": 5}, "unit")
	assert.False(t, ok)
}
