package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestLookup(t *testing.T) {
	d, err := Lookup("CO2")
	require.NoError(t, err)
	assert.Equal(t, "ppm", d.LegacyField)
	assert.Equal(t, "ppm_CO2", d.UnifiedField)
	assert.Equal(t, "ppm", d.LogicalField)

	_, err = Lookup("Radiation")
	assert.Error(t, err)
}

func TestLuxRenamedAcrossGenerations(t *testing.T) {
	d, err := Lookup("Lux")
	require.NoError(t, err)
	assert.Equal(t, "percent", d.LegacyField)
	assert.Equal(t, "lux", d.UnifiedField)
}

func TestLegacyDescriptorsExcludeUnifiedOnlyTypes(t *testing.T) {
	for _, d := range LegacyDescriptors() {
		assert.True(t, d.HasLegacy(), "descriptor %s has no legacy collection", d.Name)
		assert.NotContains(t, []string{"LiquidLevel", "RelayBoard", "PumpBoard"}, d.Name)
	}
	assert.Len(t, LegacyDescriptors(), 7)
}

func TestLegacyProjection(t *testing.T) {
	d, err := Lookup("Temperature")
	require.NoError(t, err)

	p := LegacyProjection(d)
	assert.Equal(t, bson.D{
		{Key: "_id", Value: false},
		{Key: "timestamp", Value: "$timestamp"},
		{Key: "temp", Value: "$temp"},
		{Key: "unit", Value: "$metadata.unit"},
	}, p)
}

func TestLegacyProjectionRenamesField(t *testing.T) {
	d, err := Lookup("Lux")
	require.NoError(t, err)

	p := LegacyProjection(d)
	assert.Equal(t, bson.E{Key: "lux", Value: "$percent"}, p[2])
	// No unit for lux.
	assert.Len(t, p, 3)
}

func TestUnifiedProjectionUnitSibling(t *testing.T) {
	d, err := Lookup("Temperature")
	require.NoError(t, err)

	p := UnifiedProjection(d)
	assert.Equal(t, bson.E{Key: "unit", Value: "$temp_unit"}, p[len(p)-1])
}

func TestUnifiedProjectionMapsNestedLists(t *testing.T) {
	d, err := Lookup("RelayBoard")
	require.NoError(t, err)

	p := UnifiedProjection(d)
	require.Len(t, p, 3)
	assert.Equal(t, "relays", p[2].Key)

	mapExpr, ok := p[2].Value.(bson.D)
	require.True(t, ok)
	require.Equal(t, "$map", mapExpr[0].Key)

	args, ok := mapExpr[0].Value.(bson.D)
	require.True(t, ok)
	assert.Equal(t, bson.E{Key: "input", Value: "$relay_bank"}, args[0])
}

func TestDescriptorsReturnsCopy(t *testing.T) {
	all := Descriptors()
	require.NotEmpty(t, all)
	all[0].Name = "mutated"

	again := Descriptors()
	assert.NotEqual(t, "mutated", again[0].Name)
}
