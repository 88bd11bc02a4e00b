package osnmodels

import "time"

// DeviceMetadata identifies the device a measurement came from. The API key
// travels with ingestion requests only and is never persisted.
type DeviceMetadata struct {
	DeviceID string `json:"device_id" bson:"device_id" binding:"required"`
	Name     string `json:"name,omitempty" bson:"name,omitempty"`
	APIKey   string `json:"api_key,omitempty" bson:"-"`
	UserID   string `json:"-" bson:"user_id,omitempty"`
}

// Temperature is a single temperature sample. Unit is "C", "F" or "K".
type Temperature struct {
	Timestamp *time.Time `json:"timestamp,omitempty" bson:"timestamp,omitempty"`
	Temp      float64    `json:"temp" bson:"temp"`
	Unit      string     `json:"unit,omitempty" bson:"unit,omitempty"`
}

// Humidity is a relative-humidity sample in percent.
type Humidity struct {
	Timestamp *time.Time `json:"timestamp,omitempty" bson:"timestamp,omitempty"`
	RH        float64    `json:"rh" bson:"rh"`
}

type Pressure struct {
	Timestamp *time.Time `json:"timestamp,omitempty" bson:"timestamp,omitempty"`
	Pressure  float64    `json:"pressure" bson:"pressure"`
	Unit      string     `json:"unit,omitempty" bson:"unit,omitempty"`
}

type Lux struct {
	Timestamp *time.Time `json:"timestamp,omitempty" bson:"timestamp,omitempty"`
	Lux       float64    `json:"lux" bson:"lux"`
}

type CO2 struct {
	Timestamp *time.Time `json:"timestamp,omitempty" bson:"timestamp,omitempty"`
	PPM       float64    `json:"ppm" bson:"ppm"`
}

type PH struct {
	Timestamp *time.Time `json:"timestamp,omitempty" bson:"timestamp,omitempty"`
	PH        float64    `json:"pH" bson:"pH"`
}

// Moisture carries one reading per probe on a multi-probe soil sensor.
type Moisture struct {
	Timestamp *time.Time `json:"timestamp,omitempty" bson:"timestamp,omitempty"`
	Readings  []float64  `json:"readings" bson:"readings"`
}

// LiquidLevel reports whether the float switch detects liquid.
type LiquidLevel struct {
	Timestamp *time.Time `json:"timestamp,omitempty" bson:"timestamp,omitempty"`
	Liquid    bool       `json:"liquid" bson:"liquid"`
}

// RelayStatus describes one relay position on a relay board.
type RelayStatus struct {
	Position    int    `json:"position" bson:"position"`
	Enabled     bool   `json:"enabled" bson:"enabled"`
	Seconds     int    `json:"seconds" bson:"seconds"`
	Description string `json:"description,omitempty" bson:"description,omitempty"`
}

type RelayBoard struct {
	Timestamp *time.Time    `json:"timestamp,omitempty" bson:"timestamp,omitempty"`
	Relays    []RelayStatus `json:"relays" bson:"relays"`
}

// PumpStatus describes one pump position on a dosing-pump bank.
type PumpStatus struct {
	Position    int    `json:"position" bson:"position"`
	Enabled     bool   `json:"enabled" bson:"enabled"`
	Seconds     int    `json:"seconds" bson:"seconds"`
	Description string `json:"description,omitempty" bson:"description,omitempty"`
}

type PumpBoard struct {
	Timestamp *time.Time   `json:"timestamp,omitempty" bson:"timestamp,omitempty"`
	Pumps     []PumpStatus `json:"pumps" bson:"pumps"`
}

// Environment is a multi-sensor ingestion event: any subset of the payloads
// may be populated alongside the device metadata.
type Environment struct {
	DeviceMetadata DeviceMetadata `json:"device_metadata" binding:"required"`
	Temp           *Temperature   `json:"temp,omitempty"`
	RH             *Humidity      `json:"rh,omitempty"`
	Pressure       *Pressure      `json:"pressure,omitempty"`
	Lux            *Lux           `json:"lux,omitempty"`
	CO2            *CO2           `json:"co2,omitempty"`
	Moisture       *Moisture      `json:"moisture,omitempty"`
	PH             *PH            `json:"pH,omitempty"`
	Liquid         *LiquidLevel   `json:"liquid,omitempty"`
	Relays         *RelayBoard    `json:"relays,omitempty"`
	Pumps          *PumpBoard     `json:"pumps,omitempty"`
}

// VPD is a computed projection from temperature and humidity, never stored.
type VPD struct {
	Timestamp time.Time `json:"timestamp"`
	VPD       float64   `json:"vpd"`
}
