package migrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func pt(ts time.Time, deviceID, field string, value interface{}) point {
	return point{ts: ts, deviceID: deviceID, name: "box", userID: "user-1", field: field, value: value}
}

func TestMergePointsCombinesNearbyReadings(t *testing.T) {
	base := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)

	// Temperature and humidity sampled 1.5s apart by the same device.
	docs := mergePoints([]point{
		pt(base, "dev-1", "temp", 21.0),
		pt(base.Add(1500*time.Millisecond), "dev-1", "rh", 60.0),
	}, 3*time.Second)

	require.Len(t, docs, 1)
	assert.Equal(t, 21.0, docs[0].fields["temp"])
	assert.Equal(t, 60.0, docs[0].fields["rh"])
	assert.Equal(t, base, docs[0].ts)
}

func TestMergePointsRespectsTolerance(t *testing.T) {
	base := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)

	docs := mergePoints([]point{
		pt(base, "dev-1", "temp", 21.0),
		pt(base.Add(5*time.Second), "dev-1", "rh", 60.0),
	}, 3*time.Second)

	require.Len(t, docs, 2)
}

func TestMergePointsNeverMixesDevices(t *testing.T) {
	base := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)

	a := pt(base, "dev-1", "temp", 21.0)
	b := pt(base.Add(time.Second), "dev-2", "rh", 60.0)
	docs := mergePoints([]point{a, b}, 3*time.Second)
	require.Len(t, docs, 2)

	// Same hardware id but a different owner also stays separate.
	c := pt(base.Add(time.Second), "dev-1", "rh", 60.0)
	c.userID = "user-2"
	docs = mergePoints([]point{a, c}, 3*time.Second)
	require.Len(t, docs, 2)
}

func TestMergePointsNeverOverwritesField(t *testing.T) {
	base := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)

	// Two temperature readings within tolerance stay distinct documents.
	docs := mergePoints([]point{
		pt(base, "dev-1", "temp", 21.0),
		pt(base.Add(time.Second), "dev-1", "temp", 22.0),
	}, 3*time.Second)

	require.Len(t, docs, 2)
	assert.Equal(t, 21.0, docs[0].fields["temp"])
	assert.Equal(t, 22.0, docs[1].fields["temp"])
}

func TestMergePointsKeepsEarliestTimestamp(t *testing.T) {
	base := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)

	// Later-sorted collection contributes the earlier reading.
	docs := mergePoints([]point{
		pt(base, "dev-1", "temp", 21.0),
		pt(base.Add(-2*time.Second), "dev-1", "rh", 60.0),
	}, 3*time.Second)

	require.Len(t, docs, 1)
	assert.Equal(t, base.Add(-2*time.Second), docs[0].ts)
}

func TestMergePointsCarriesUnits(t *testing.T) {
	base := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)

	p := pt(base, "dev-1", "temp", 21.0)
	p.unit = "C"
	p.hasUnit = true

	docs := mergePoints([]point{p}, 3*time.Second)
	require.Len(t, docs, 1)
	assert.Equal(t, "C", docs[0].fields["temp_unit"])
}

func TestMergePointsDeterministic(t *testing.T) {
	base := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	points := []point{
		pt(base, "dev-1", "temp", 21.0),
		pt(base.Add(time.Second), "dev-1", "rh", 60.0),
		pt(base.Add(2*time.Second), "dev-1", "ppm_CO2", 410.0),
		pt(base.Add(4*time.Second), "dev-1", "temp", 21.5),
	}

	first := mergePoints(points, 3*time.Second)
	second := mergePoints(points, 3*time.Second)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ts, second[i].ts)
		assert.Equal(t, first[i].fields, second[i].fields)
	}
}

func TestUpsertFilterKeysRerunsIdentically(t *testing.T) {
	base := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	points := []point{
		pt(base, "dev-1", "temp", 21.0),
		pt(base.Add(time.Second), "dev-1", "rh", 60.0),
		pt(base.Add(10*time.Second), "dev-2", "temp", 19.0),
	}

	// A second run over the same chunk must target the same documents, so
	// the upserts update in place instead of inserting duplicates.
	first := mergePoints(points, 3*time.Second)
	second := mergePoints(points, 3*time.Second)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, upsertFilter(first[i]), upsertFilter(second[i]))
	}
}

func TestUpsertFilterMatchesAbsentIdentityFields(t *testing.T) {
	base := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	doc := &merged{ts: base, deviceID: "dev-1", fields: bson.M{"temp": 21.0}}

	filter := upsertFilter(doc)
	require.Len(t, filter, 4)
	assert.Equal(t, bson.E{Key: "timestamp", Value: base}, filter[0])
	assert.Equal(t, bson.E{Key: "metadata.device_id", Value: "dev-1"}, filter[1])
	assert.Equal(t, bson.E{Key: "metadata.name", Value: bson.D{{Key: "$exists", Value: false}}}, filter[2])
	assert.Equal(t, bson.E{Key: "metadata.user_id", Value: bson.D{{Key: "$exists", Value: false}}}, filter[3])
}

func TestUpsertFilterCarriesIdentityFields(t *testing.T) {
	base := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	doc := &merged{ts: base, deviceID: "dev-1", name: "box", userID: "user-1", fields: bson.M{"temp": 21.0}}

	filter := upsertFilter(doc)
	assert.Equal(t, bson.E{Key: "metadata.name", Value: "box"}, filter[2])
	assert.Equal(t, bson.E{Key: "metadata.user_id", Value: "user-1"}, filter[3])
}

func TestUpsertUpdateSetsOnlyMergedFields(t *testing.T) {
	base := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	doc := &merged{ts: base, deviceID: "dev-1", fields: bson.M{"temp": 21.0, "temp_unit": "C"}}

	// $set merges into an existing unified document; fields written by
	// other producers, like relay_bank from a dual write, stay untouched.
	update := upsertUpdate(doc)
	require.Len(t, update, 1)
	assert.Equal(t, "$set", update[0].Key)
	assert.Equal(t, doc.fields, update[0].Value)
}
