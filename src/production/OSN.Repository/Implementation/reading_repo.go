package implementation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	cache "github.com/opensensor-io/sensor-server/src/production/OSN.Cache"
	config "github.com/opensensor-io/sensor-server/src/production/OSN.Config"
	logger "github.com/opensensor-io/sensor-server/src/production/OSN.Logger"
	osnmodels "github.com/opensensor-io/sensor-server/src/production/OSN.Models"
	interfaces "github.com/opensensor-io/sensor-server/src/production/OSN.Repository/Interfaces"
	schema "github.com/opensensor-io/sensor-server/src/production/OSN.Schema"
	units "github.com/opensensor-io/sensor-server/src/production/OSN.Units"
)

type MongoReadingRepository struct {
	db            *mongo.Database
	cache         *cache.Cache
	migrations    interfaces.MigrationRepository
	migrationName string
	unifiedColl   string
	logger        *logger.Logger

	// Latches once the cutover flag is observed true; the flag never flips
	// back, so later reads skip the round trip.
	migrated atomic.Bool
}

func NewMongoReadingRepository(db *mongo.Database, c *cache.Cache, migrations interfaces.MigrationRepository, cfg *config.MigrationConfig, log *logger.Logger) *MongoReadingRepository {
	return &MongoReadingRepository{
		db:            db,
		cache:         c,
		migrations:    migrations,
		migrationName: cfg.Name,
		unifiedColl:   cfg.Destination,
		logger:        log.WithComponent("reading_repo"),
	}
}

func (r *MongoReadingRepository) migrationComplete(ctx context.Context) bool {
	if r.migrated.Load() {
		return true
	}
	done, err := r.migrations.IsComplete(ctx, r.migrationName)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to read migration flag, assuming incomplete")
		return false
	}
	if done {
		r.migrated.Store(true)
	}
	return done
}

// RecordEnvironment writes one unified document carrying every populated
// payload. While the legacy cutover is incomplete it also fans each payload
// out to its per-type collection so existing readers keep seeing new data.
func (r *MongoReadingRepository) RecordEnvironment(ctx context.Context, env *osnmodels.Environment) error {
	if env.DeviceMetadata.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}

	now := time.Now().UTC()
	doc, legacy := buildEnvironmentDocs(env, now)
	if len(doc) == 2 {
		return fmt.Errorf("environment for device %s carries no payloads", env.DeviceMetadata.DeviceID)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := r.db.Collection(r.unifiedColl).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert environment: %w", err)
	}

	if len(legacy) > 0 && !r.migrationComplete(ctx) {
		for _, ld := range legacy {
			if _, err := r.db.Collection(ld.collection).InsertOne(ctx, ld.doc); err != nil {
				return fmt.Errorf("failed to insert %s reading: %w", ld.collection, err)
			}
		}
	}

	r.cache.InvalidateDevice(ctx, env.DeviceMetadata.DeviceID)
	return nil
}

// SampleHistory runs uniform time-bucket sampling for one sensor type and
// returns the requested page. Results are served from cache when the exact
// pipeline was run recently.
func (r *MongoReadingRepository) SampleHistory(ctx context.Context, modelName string, q interfaces.HistoryQuery) (*interfaces.HistoryPage, error) {
	d, err := schema.Lookup(modelName)
	if err != nil {
		return nil, err
	}
	if len(q.DeviceIDs) == 0 {
		return nil, fmt.Errorf("at least one device id is required")
	}
	start, end := normalizeQuery(&q)

	unified := !d.HasLegacy() || r.migrationComplete(ctx)
	collName := d.Name
	if unified {
		collName = r.unifiedColl
	}

	pipeline := BuildUniformSamplePipeline(d, unified, q, start, end)
	paged := AppendPagination(pipeline, q.Page, q.Size)
	key := pipelineCacheKey(collName, q.DeviceIDs, paged, q.Unit)

	var page interfaces.HistoryPage
	if r.cache.GetJSON(ctx, key, &page) {
		return &page, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cursor, err := r.db.Collection(collName).Aggregate(ctx, paged)
	if err != nil {
		return nil, fmt.Errorf("failed to sample %s history: %w", modelName, err)
	}
	defer cursor.Close(ctx)

	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s history: %w", modelName, err)
	}

	items := make([]interface{}, 0, len(raw))
	for _, doc := range raw {
		item, err := decodeHistoryItem(d, doc, q.Unit)
		if err != nil {
			r.logger.WithError(err).Warn("Skipping undecodable sampled document")
			continue
		}
		items = append(items, item)
	}

	page = interfaces.HistoryPage{Items: items, Page: q.Page, Size: q.Size}
	if len(items) > 0 {
		total, err := r.countBuckets(ctx, d, unified, collName, q, start, end)
		if err != nil {
			return nil, err
		}
		page.Total = total
		page.Pages = (total + int64(q.Size) - 1) / int64(q.Size)
	}

	r.cache.SetJSON(ctx, key, &page, cache.PipelineTTL)
	return &page, nil
}

// SampleVPD derives vapor pressure deficit per bucket from the averaged
// temperature and humidity of unified documents carrying both.
func (r *MongoReadingRepository) SampleVPD(ctx context.Context, q interfaces.HistoryQuery) ([]osnmodels.VPD, error) {
	if len(q.DeviceIDs) == 0 {
		return nil, fmt.Errorf("at least one device id is required")
	}
	start, end := normalizeQuery(&q)

	pipeline := BuildVPDPipeline(q, start, end)
	key := pipelineCacheKey(r.unifiedColl, q.DeviceIDs, pipeline, "vpd")

	var out []osnmodels.VPD
	if r.cache.GetJSON(ctx, key, &out) {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cursor, err := r.db.Collection(r.unifiedColl).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to sample vpd history: %w", err)
	}
	defer cursor.Close(ctx)

	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode vpd history: %w", err)
	}

	out = make([]osnmodels.VPD, 0, len(raw))
	for _, doc := range raw {
		ts, ok := schema.Time(doc, "timestamp")
		if !ok {
			continue
		}
		temp, tok := schema.Float(doc, "temp")
		rh, rok := schema.Float(doc, "rh")
		if !tok || !rok {
			continue
		}
		vpd, err := units.ComputeVPD(temp, rh)
		if err != nil {
			r.logger.WithError(err).Debug("Skipping vpd bucket with out-of-range temperature")
			continue
		}
		out = append(out, osnmodels.VPD{Timestamp: ts, VPD: vpd})
	}

	r.cache.SetJSON(ctx, key, out, cache.PipelineTTL)
	return out, nil
}

func (r *MongoReadingRepository) countBuckets(ctx context.Context, d schema.Descriptor, unified bool, collName string, q interfaces.HistoryQuery, start, end time.Time) (int64, error) {
	cursor, err := r.db.Collection(collName).Aggregate(ctx, BuildCountPipeline(d, unified, q, start, end))
	if err != nil {
		return 0, fmt.Errorf("failed to count %s buckets: %w", d.Name, err)
	}
	defer cursor.Close(ctx)

	var counts []bson.M
	if err := cursor.All(ctx, &counts); err != nil {
		return 0, fmt.Errorf("failed to decode %s bucket count: %w", d.Name, err)
	}
	if len(counts) == 0 {
		return 0, nil
	}
	total, _ := schema.Int(counts[0], "total")
	return int64(total), nil
}

type legacyInsert struct {
	collection string
	doc        bson.D
}

func metadataDoc(meta osnmodels.DeviceMetadata, unit string) bson.D {
	m := bson.D{{Key: "device_id", Value: meta.DeviceID}}
	if meta.Name != "" {
		m = append(m, bson.E{Key: "name", Value: meta.Name})
	}
	if meta.UserID != "" {
		m = append(m, bson.E{Key: "user_id", Value: meta.UserID})
	}
	if unit != "" {
		m = append(m, bson.E{Key: "unit", Value: unit})
	}
	return m
}

func payloadTime(t *time.Time, fallback time.Time) time.Time {
	if t != nil && !t.IsZero() {
		return t.UTC()
	}
	return fallback
}

// buildEnvironmentDocs maps an environment event onto the unified document
// plus the per-type legacy documents for the dual-write window. The unified
// document takes the earliest payload timestamp as the event timestamp.
func buildEnvironmentDocs(env *osnmodels.Environment, now time.Time) (bson.D, []legacyInsert) {
	type payload struct {
		model string
		ts    time.Time
		unit  string
		value interface{}
	}
	var payloads []payload

	if env.Temp != nil {
		unit := env.Temp.Unit
		if unit == "" {
			unit = "C"
		}
		payloads = append(payloads, payload{"Temperature", payloadTime(env.Temp.Timestamp, now), unit, env.Temp.Temp})
	}
	if env.RH != nil {
		payloads = append(payloads, payload{"Humidity", payloadTime(env.RH.Timestamp, now), "", env.RH.RH})
	}
	if env.Pressure != nil {
		payloads = append(payloads, payload{"Pressure", payloadTime(env.Pressure.Timestamp, now), env.Pressure.Unit, env.Pressure.Pressure})
	}
	if env.Lux != nil {
		payloads = append(payloads, payload{"Lux", payloadTime(env.Lux.Timestamp, now), "", env.Lux.Lux})
	}
	if env.CO2 != nil {
		payloads = append(payloads, payload{"CO2", payloadTime(env.CO2.Timestamp, now), "", env.CO2.PPM})
	}
	if env.PH != nil {
		payloads = append(payloads, payload{"pH", payloadTime(env.PH.Timestamp, now), "", env.PH.PH})
	}
	if env.Moisture != nil {
		payloads = append(payloads, payload{"Moisture", payloadTime(env.Moisture.Timestamp, now), "", env.Moisture.Readings})
	}
	if env.Liquid != nil {
		payloads = append(payloads, payload{"LiquidLevel", payloadTime(env.Liquid.Timestamp, now), "", env.Liquid.Liquid})
	}
	if env.Relays != nil {
		payloads = append(payloads, payload{"RelayBoard", payloadTime(env.Relays.Timestamp, now), "", env.Relays.Relays})
	}
	if env.Pumps != nil {
		payloads = append(payloads, payload{"PumpBoard", payloadTime(env.Pumps.Timestamp, now), "", env.Pumps.Pumps})
	}

	eventTS := now
	for i, p := range payloads {
		if i == 0 || p.ts.Before(eventTS) {
			eventTS = p.ts
		}
	}

	unified := bson.D{
		{Key: "metadata", Value: metadataDoc(env.DeviceMetadata, "")},
		{Key: "timestamp", Value: eventTS},
	}
	var legacy []legacyInsert

	for _, p := range payloads {
		d, err := schema.Lookup(p.model)
		if err != nil {
			continue
		}
		unified = append(unified, bson.E{Key: d.UnifiedField, Value: p.value})
		if d.HasUnit && p.unit != "" {
			unified = append(unified, bson.E{Key: d.UnifiedField + "_unit", Value: p.unit})
		}
		if d.HasLegacy() {
			legacy = append(legacy, legacyInsert{
				collection: d.Name,
				doc: bson.D{
					{Key: "metadata", Value: metadataDoc(env.DeviceMetadata, p.unit)},
					{Key: "timestamp", Value: p.ts},
					{Key: d.LegacyField, Value: p.value},
				},
			})
		}
	}

	return unified, legacy
}

func decodeHistoryItem(d schema.Descriptor, raw bson.M, desiredUnit string) (interface{}, error) {
	ts, ok := schema.Time(raw, "timestamp")
	if !ok {
		return nil, fmt.Errorf("sampled %s document has no timestamp", d.Name)
	}

	switch d.Name {
	case "Temperature":
		v, ok := schema.Float(raw, d.LogicalField, d.UnifiedField, d.LegacyField)
		if !ok {
			return nil, missingPayload(d)
		}
		t := osnmodels.Temperature{Timestamp: &ts, Temp: v}
		t.Unit, _ = schema.String(raw, "unit")
		if desiredUnit != "" {
			if err := units.ConvertTemperature(&t, desiredUnit); err != nil {
				return nil, err
			}
		}
		return t, nil
	case "Humidity":
		v, ok := schema.Float(raw, d.LogicalField, d.UnifiedField, d.LegacyField)
		if !ok {
			return nil, missingPayload(d)
		}
		return osnmodels.Humidity{Timestamp: &ts, RH: v}, nil
	case "Pressure":
		v, ok := schema.Float(raw, d.LogicalField, d.UnifiedField, d.LegacyField)
		if !ok {
			return nil, missingPayload(d)
		}
		p := osnmodels.Pressure{Timestamp: &ts, Pressure: v}
		p.Unit, _ = schema.String(raw, "unit")
		return p, nil
	case "Lux":
		v, ok := schema.Float(raw, d.LogicalField, d.UnifiedField, d.LegacyField)
		if !ok {
			return nil, missingPayload(d)
		}
		return osnmodels.Lux{Timestamp: &ts, Lux: v}, nil
	case "CO2":
		v, ok := schema.Float(raw, d.LogicalField, d.UnifiedField, d.LegacyField)
		if !ok {
			return nil, missingPayload(d)
		}
		return osnmodels.CO2{Timestamp: &ts, PPM: v}, nil
	case "pH":
		v, ok := schema.Float(raw, d.LogicalField, d.UnifiedField, d.LegacyField)
		if !ok {
			return nil, missingPayload(d)
		}
		return osnmodels.PH{Timestamp: &ts, PH: v}, nil
	case "Moisture":
		v, ok := schema.FloatList(raw, d.LogicalField, d.UnifiedField, d.LegacyField)
		if !ok {
			return nil, missingPayload(d)
		}
		return osnmodels.Moisture{Timestamp: &ts, Readings: v}, nil
	case "LiquidLevel":
		v, ok := schema.Bool(raw, d.LogicalField, d.UnifiedField)
		if !ok {
			return nil, missingPayload(d)
		}
		return osnmodels.LiquidLevel{Timestamp: &ts, Liquid: v}, nil
	case "RelayBoard":
		docs, ok := schema.DocList(raw, d.LogicalField, d.UnifiedField)
		if !ok {
			return nil, missingPayload(d)
		}
		relays := make([]osnmodels.RelayStatus, 0, len(docs))
		for _, doc := range docs {
			relays = append(relays, osnmodels.RelayStatus(decodeBankStatus(doc)))
		}
		return osnmodels.RelayBoard{Timestamp: &ts, Relays: relays}, nil
	case "PumpBoard":
		docs, ok := schema.DocList(raw, d.LogicalField, d.UnifiedField)
		if !ok {
			return nil, missingPayload(d)
		}
		pumps := make([]osnmodels.PumpStatus, 0, len(docs))
		for _, doc := range docs {
			pumps = append(pumps, decodeBankStatus(doc))
		}
		return osnmodels.PumpBoard{Timestamp: &ts, Pumps: pumps}, nil
	}
	return nil, fmt.Errorf("no decoder for model %q", d.Name)
}

func decodeBankStatus(doc bson.M) osnmodels.PumpStatus {
	var s osnmodels.PumpStatus
	s.Position, _ = schema.Int(doc, "position")
	s.Enabled, _ = schema.Bool(doc, "enabled")
	s.Seconds, _ = schema.Int(doc, "seconds")
	s.Description, _ = schema.String(doc, "description")
	return s
}

func missingPayload(d schema.Descriptor) error {
	return fmt.Errorf("sampled %s document is missing the %s payload", d.Name, d.LogicalField)
}
