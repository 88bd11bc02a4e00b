package schema

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// NestedField maps one field of a list element (e.g. a relay position) from
// its response name to its storage name.
type NestedField struct {
	Logical  string
	Physical string
}

// Descriptor declares, per sensor type, how logical response fields map onto
// physical storage fields across both schema generations. Legacy collections
// are one-per-type with the payload under LegacyField and the unit nested at
// metadata.unit; the unified collection renames the payload to UnifiedField
// and stores units as a sibling "<UnifiedField>_unit".
type Descriptor struct {
	Name         string // model name, also the legacy collection name
	LogicalField string // field name in API responses
	LegacyField  string // physical field in the per-type collection ("" = unified only)
	UnifiedField string // physical field in the unified collection
	HasUnit      bool
	Nested       []NestedField // set for list-of-struct payloads (relay/pump banks)
}

// HasLegacy reports whether this type existed before the unified collection.
func (d Descriptor) HasLegacy() bool { return d.LegacyField != "" }

var descriptors = []Descriptor{
	{Name: "Temperature", LogicalField: "temp", LegacyField: "temp", UnifiedField: "temp", HasUnit: true},
	{Name: "Humidity", LogicalField: "rh", LegacyField: "rh", UnifiedField: "rh"},
	{Name: "Pressure", LogicalField: "pressure", LegacyField: "pressure", UnifiedField: "pressure", HasUnit: true},
	{Name: "Lux", LogicalField: "lux", LegacyField: "percent", UnifiedField: "lux"},
	{Name: "CO2", LogicalField: "ppm", LegacyField: "ppm", UnifiedField: "ppm_CO2"},
	{Name: "pH", LogicalField: "pH", LegacyField: "pH", UnifiedField: "pH"},
	{Name: "Moisture", LogicalField: "readings", LegacyField: "readings", UnifiedField: "moisture_readings"},
	{Name: "LiquidLevel", LogicalField: "liquid", LegacyField: "", UnifiedField: "liquid_level"},
	{Name: "RelayBoard", LogicalField: "relays", LegacyField: "", UnifiedField: "relay_bank",
		Nested: []NestedField{
			{Logical: "position", Physical: "position"},
			{Logical: "enabled", Physical: "enabled"},
			{Logical: "seconds", Physical: "seconds"},
			{Logical: "description", Physical: "description"},
		}},
	{Name: "PumpBoard", LogicalField: "pumps", LegacyField: "", UnifiedField: "pump_bank",
		Nested: []NestedField{
			{Logical: "position", Physical: "position"},
			{Logical: "enabled", Physical: "enabled"},
			{Logical: "seconds", Physical: "seconds"},
			{Logical: "description", Physical: "description"},
		}},
}

// Lookup returns the descriptor for a model name.
func Lookup(name string) (Descriptor, error) {
	for _, d := range descriptors {
		if d.Name == name {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("no schema descriptor for model %q", name)
}

// Descriptors returns every registered descriptor.
func Descriptors() []Descriptor {
	out := make([]Descriptor, len(descriptors))
	copy(out, descriptors)
	return out
}

// LegacyDescriptors returns the descriptors that have a pre-migration
// per-type collection, i.e. the set the migrator consumes.
func LegacyDescriptors() []Descriptor {
	var out []Descriptor
	for _, d := range descriptors {
		if d.HasLegacy() {
			out = append(out, d)
		}
	}
	return out
}

// LegacyProjection builds the $project document for reads against the
// per-type legacy collection.
func LegacyProjection(d Descriptor) bson.D {
	p := bson.D{
		{Key: "_id", Value: false},
		{Key: "timestamp", Value: "$timestamp"},
		{Key: d.LogicalField, Value: "$" + d.LegacyField},
	}
	if d.HasUnit {
		p = append(p, bson.E{Key: "unit", Value: "$metadata.unit"})
	}
	return p
}

// UnifiedProjection builds the $project document for reads against the
// unified collection, renaming physical fields back to their logical names.
// List-of-struct payloads are rebuilt element-wise with $map.
func UnifiedProjection(d Descriptor) bson.D {
	p := bson.D{
		{Key: "_id", Value: false},
		{Key: "timestamp", Value: "$timestamp"},
	}
	if len(d.Nested) > 0 {
		in := bson.D{}
		for _, n := range d.Nested {
			in = append(in, bson.E{Key: n.Logical, Value: "$$item." + n.Physical})
		}
		p = append(p, bson.E{Key: d.LogicalField, Value: bson.D{
			{Key: "$map", Value: bson.D{
				{Key: "input", Value: "$" + d.UnifiedField},
				{Key: "as", Value: "item"},
				{Key: "in", Value: in},
			}},
		}})
	} else {
		p = append(p, bson.E{Key: d.LogicalField, Value: "$" + d.UnifiedField})
	}
	if d.HasUnit {
		p = append(p, bson.E{Key: "unit", Value: "$" + d.UnifiedField + "_unit"})
	}
	return p
}
