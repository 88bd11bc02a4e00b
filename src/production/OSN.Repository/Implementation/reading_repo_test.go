package implementation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	osnmodels "github.com/opensensor-io/sensor-server/src/production/OSN.Models"
	schema "github.com/opensensor-io/sensor-server/src/production/OSN.Schema"
)

func docToMap(t *testing.T, d bson.D) bson.M {
	t.Helper()
	m := bson.M{}
	for _, e := range d {
		m[e.Key] = e.Value
	}
	return m
}

func TestBuildEnvironmentDocs(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ts := now.Add(-2 * time.Second)

	env := &osnmodels.Environment{
		DeviceMetadata: osnmodels.DeviceMetadata{DeviceID: "dev-1", Name: "greenhouse", UserID: "user-1"},
		Temp:           &osnmodels.Temperature{Timestamp: &ts, Temp: 22.5, Unit: "C"},
		RH:             &osnmodels.Humidity{RH: 55},
		CO2:            &osnmodels.CO2{PPM: 420},
	}

	unified, legacy := buildEnvironmentDocs(env, now)
	m := docToMap(t, unified)

	// Event timestamp is the earliest payload timestamp.
	assert.Equal(t, ts, m["timestamp"])
	assert.Equal(t, 22.5, m["temp"])
	assert.Equal(t, "C", m["temp_unit"])
	assert.Equal(t, 55.0, m["rh"])
	assert.Equal(t, 420.0, m["ppm_CO2"])

	meta := docToMap(t, m["metadata"].(bson.D))
	assert.Equal(t, "dev-1", meta["device_id"])
	assert.Equal(t, "greenhouse", meta["name"])
	assert.Equal(t, "user-1", meta["user_id"])

	// One legacy fan-out document per payload with a legacy collection.
	require.Len(t, legacy, 3)
	byColl := map[string]bson.M{}
	for _, ld := range legacy {
		byColl[ld.collection] = docToMap(t, ld.doc)
	}
	assert.Equal(t, 22.5, byColl["Temperature"]["temp"])
	assert.Equal(t, 420.0, byColl["CO2"]["ppm"])
	assert.Equal(t, 55.0, byColl["Humidity"]["rh"])

	// Legacy temperature carries its unit inside metadata.
	tempMeta := docToMap(t, byColl["Temperature"]["metadata"].(bson.D))
	assert.Equal(t, "C", tempMeta["unit"])
	// Payloads without their own timestamp fall back to the event time.
	assert.Equal(t, now, byColl["Humidity"]["timestamp"])
}

func TestBuildEnvironmentDocsDefaultsTemperatureUnit(t *testing.T) {
	now := time.Now().UTC()
	env := &osnmodels.Environment{
		DeviceMetadata: osnmodels.DeviceMetadata{DeviceID: "dev-1"},
		Temp:           &osnmodels.Temperature{Temp: 20},
	}

	unified, _ := buildEnvironmentDocs(env, now)
	m := docToMap(t, unified)
	assert.Equal(t, "C", m["temp_unit"])
}

func TestBuildEnvironmentDocsUnifiedOnlyTypes(t *testing.T) {
	now := time.Now().UTC()
	env := &osnmodels.Environment{
		DeviceMetadata: osnmodels.DeviceMetadata{DeviceID: "dev-1"},
		Liquid:         &osnmodels.LiquidLevel{Liquid: true},
		Relays: &osnmodels.RelayBoard{Relays: []osnmodels.RelayStatus{
			{Position: 0, Enabled: true, Seconds: 30},
		}},
	}

	unified, legacy := buildEnvironmentDocs(env, now)
	m := docToMap(t, unified)

	assert.Equal(t, true, m["liquid_level"])
	assert.NotNil(t, m["relay_bank"])
	// Neither type existed before the unified collection.
	assert.Empty(t, legacy)
}

func TestBuildEnvironmentDocsEmpty(t *testing.T) {
	env := &osnmodels.Environment{DeviceMetadata: osnmodels.DeviceMetadata{DeviceID: "dev-1"}}
	unified, legacy := buildEnvironmentDocs(env, time.Now().UTC())
	assert.Len(t, unified, 2)
	assert.Empty(t, legacy)
}

func TestDecodeHistoryItemTemperature(t *testing.T) {
	d, err := schema.Lookup("Temperature")
	require.NoError(t, err)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	raw := bson.M{
		"timestamp": primitive.NewDateTimeFromTime(ts),
		"temp":      20.0,
		"unit":      "C",
	}

	item, err := decodeHistoryItem(d, raw, "F")
	require.NoError(t, err)

	temp, ok := item.(osnmodels.Temperature)
	require.True(t, ok)
	assert.InDelta(t, 68, temp.Temp, 1e-9)
	assert.Equal(t, "F", temp.Unit)
	assert.True(t, temp.Timestamp.Equal(ts))
}

func TestDecodeHistoryItemStringifiedNumbers(t *testing.T) {
	d, err := schema.Lookup("pH")
	require.NoError(t, err)

	raw := bson.M{
		"timestamp": primitive.NewDateTimeFromTime(time.Now()),
		"pH":        "6.2",
	}

	item, err := decodeHistoryItem(d, raw, "")
	require.NoError(t, err)
	assert.InDelta(t, 6.2, item.(osnmodels.PH).PH, 1e-9)
}

func TestDecodeHistoryItemRelayBoard(t *testing.T) {
	d, err := schema.Lookup("RelayBoard")
	require.NoError(t, err)

	raw := bson.M{
		"timestamp": primitive.NewDateTimeFromTime(time.Now()),
		"relays": primitive.A{
			bson.M{"position": int32(0), "enabled": true, "seconds": int32(15), "description": "lights"},
			bson.M{"position": int32(1), "enabled": false},
		},
	}

	item, err := decodeHistoryItem(d, raw, "")
	require.NoError(t, err)

	board, ok := item.(osnmodels.RelayBoard)
	require.True(t, ok)
	require.Len(t, board.Relays, 2)
	assert.Equal(t, osnmodels.RelayStatus{Position: 0, Enabled: true, Seconds: 15, Description: "lights"}, board.Relays[0])
	assert.False(t, board.Relays[1].Enabled)
}

func TestDecodeHistoryItemMissingPayload(t *testing.T) {
	d, err := schema.Lookup("Humidity")
	require.NoError(t, err)

	raw := bson.M{"timestamp": primitive.NewDateTimeFromTime(time.Now())}
	_, err = decodeHistoryItem(d, raw, "")
	assert.Error(t, err)

	_, err = decodeHistoryItem(d, bson.M{"rh": 40.0}, "")
	assert.Error(t, err)
}
