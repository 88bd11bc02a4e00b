package migrator

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	config "github.com/opensensor-io/sensor-server/src/production/OSN.Config"
	logger "github.com/opensensor-io/sensor-server/src/production/OSN.Logger"
	interfaces "github.com/opensensor-io/sensor-server/src/production/OSN.Repository/Interfaces"
	schema "github.com/opensensor-io/sensor-server/src/production/OSN.Schema"
)

// Migrator copies every legacy per-type collection into the unified
// collection, merging readings taken by the same device within a small time
// window into one multi-field document. It processes the history in fixed
// time chunks and writes keyed upserts, so an interrupted or repeated run
// converges on the same result instead of duplicating documents.
type Migrator struct {
	db         *mongo.Database
	migrations interfaces.MigrationRepository
	cfg        *config.MigrationConfig
	logger     *logger.Logger
}

func New(db *mongo.Database, migrations interfaces.MigrationRepository, cfg *config.MigrationConfig, log *logger.Logger) *Migrator {
	return &Migrator{
		db:         db,
		migrations: migrations,
		cfg:        cfg,
		logger:     log.WithComponent("migrator"),
	}
}

// Run executes the migration end to end and flips the completion flag.
// Running against an already-complete migration is a no-op.
func (m *Migrator) Run(ctx context.Context) error {
	done, err := m.migrations.IsComplete(ctx, m.cfg.Name)
	if err != nil {
		return err
	}
	if done {
		m.logger.WithField("migration", m.cfg.Name).Info("Migration already complete, nothing to do")
		return nil
	}
	if err := m.migrations.EnsureMigration(ctx, m.cfg.Name); err != nil {
		return err
	}

	earliest, latest, err := m.scanBounds(ctx)
	if err != nil {
		return err
	}
	if earliest == nil {
		m.logger.Info("No legacy readings found, marking migration complete")
		return m.migrations.MarkComplete(ctx, m.cfg.Name)
	}

	m.logger.
		WithField("from", earliest.Format(time.RFC3339)).
		WithField("to", latest.Format(time.RFC3339)).
		Info("Starting legacy collection migration")

	migrated := 0
	for chunkStart := *earliest; !chunkStart.After(*latest); chunkStart = chunkStart.Add(m.cfg.ChunkPeriod) {
		chunkEnd := chunkStart.Add(m.cfg.ChunkPeriod)
		n, err := m.migrateChunk(ctx, chunkStart, chunkEnd)
		if err != nil {
			return fmt.Errorf("failed to migrate chunk starting %s: %w", chunkStart.Format(time.RFC3339), err)
		}
		migrated += n
	}

	m.logger.WithField("documents", migrated).Info("Migration finished")
	return m.migrations.MarkComplete(ctx, m.cfg.Name)
}

// scanBounds finds the overall time range covered by the legacy collections.
// Both bounds are nil when no legacy documents exist.
func (m *Migrator) scanBounds(ctx context.Context) (*time.Time, *time.Time, error) {
	var earliest, latest *time.Time

	for _, d := range schema.LegacyDescriptors() {
		coll := m.db.Collection(d.Name)

		for _, dir := range []int{1, -1} {
			findCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			var doc bson.M
			err := coll.FindOne(findCtx, bson.D{},
				options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: dir}}),
			).Decode(&doc)
			cancel()
			if err == mongo.ErrNoDocuments {
				break
			}
			if err != nil {
				return nil, nil, fmt.Errorf("failed to scan %s bounds: %w", d.Name, err)
			}
			ts, ok := schema.Time(doc, "timestamp")
			if !ok {
				break
			}
			if dir == 1 {
				if earliest == nil || ts.Before(*earliest) {
					earliest = &ts
				}
			} else {
				if latest == nil || ts.After(*latest) {
					latest = &ts
				}
			}
		}
	}

	return earliest, latest, nil
}

// point is one legacy reading lifted out of its per-type collection.
type point struct {
	ts       time.Time
	deviceID string
	name     string
	userID   string
	field    string
	value    interface{}
	unit     string
	hasUnit  bool
}

// merged is one unified document under assembly.
type merged struct {
	ts       time.Time
	deviceID string
	name     string
	userID   string
	fields   bson.M
}

func (m *merged) sameDevice(p point) bool {
	return m.deviceID == p.deviceID && m.name == p.name && m.userID == p.userID
}

func (m *Migrator) migrateChunk(ctx context.Context, start, end time.Time) (int, error) {
	var points []point

	// Fixed descriptor order plus per-collection timestamp sort keeps the
	// merge deterministic across runs.
	for _, d := range schema.LegacyDescriptors() {
		collPoints, err := m.loadChunk(ctx, d, start, end)
		if err != nil {
			return 0, err
		}
		points = append(points, collPoints...)
	}
	if len(points) == 0 {
		return 0, nil
	}

	docs := mergePoints(points, m.cfg.MergeTolerance)

	models := make([]mongo.WriteModel, 0, len(docs))
	for _, doc := range docs {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(upsertFilter(doc)).
			SetUpdate(upsertUpdate(doc)).
			SetUpsert(true))
	}

	writeCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	if _, err := m.db.Collection(m.cfg.Destination).BulkWrite(writeCtx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return 0, fmt.Errorf("failed to upsert merged documents: %w", err)
	}

	m.logger.
		WithField("chunk_start", start.Format(time.RFC3339)).
		WithField("points", len(points)).
		WithField("documents", len(docs)).
		Debug("Migrated chunk")
	return len(docs), nil
}

func (m *Migrator) loadChunk(ctx context.Context, d schema.Descriptor, start, end time.Time) ([]point, error) {
	findCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cursor, err := m.db.Collection(d.Name).Find(findCtx,
		bson.D{{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: start}, {Key: "$lt", Value: end}}}},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s chunk: %w", d.Name, err)
	}
	defer cursor.Close(findCtx)

	var points []point
	for cursor.Next(findCtx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode %s document: %w", d.Name, err)
		}

		ts, ok := schema.Time(raw, "timestamp")
		if !ok {
			m.logger.WithField("collection", d.Name).Warn("Skipping legacy document without timestamp")
			continue
		}
		value, ok := raw[d.LegacyField]
		if !ok || value == nil {
			m.logger.WithField("collection", d.Name).Warn("Skipping legacy document without payload")
			continue
		}

		p := point{ts: ts, field: d.UnifiedField, value: value}
		if meta, ok := raw["metadata"].(bson.M); ok {
			p.deviceID, _ = schema.String(meta, "device_id")
			p.name, _ = schema.String(meta, "name")
			p.userID, _ = schema.String(meta, "user_id")
			if d.HasUnit {
				p.unit, p.hasUnit = schema.String(meta, "unit")
			}
		}
		points = append(points, p)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s chunk: %w", d.Name, err)
	}
	return points, nil
}

// upsertFilter keys a merged document by its full identity so re-running a
// chunk converges on the same unified document instead of duplicating it.
// Absent name and user_id match their absence in storage, not an empty
// string. On insert, the filter's equality fields seed the new document.
func upsertFilter(doc *merged) bson.D {
	filter := bson.D{
		{Key: "timestamp", Value: doc.ts},
		{Key: "metadata.device_id", Value: doc.deviceID},
		{Key: "metadata.name", Value: doc.name},
		{Key: "metadata.user_id", Value: doc.userID},
	}
	if doc.name == "" {
		filter[2] = bson.E{Key: "metadata.name", Value: bson.D{{Key: "$exists", Value: false}}}
	}
	if doc.userID == "" {
		filter[3] = bson.E{Key: "metadata.user_id", Value: bson.D{{Key: "$exists", Value: false}}}
	}
	return filter
}

// upsertUpdate sets only the legacy-derived fields. A unified document
// dual-written under the same key keeps its other payloads; a full
// replacement would drop them.
func upsertUpdate(doc *merged) bson.D {
	return bson.D{{Key: "$set", Value: doc.fields}}
}

// mergePoints folds per-type readings into unified documents. A point joins
// an existing document only when it came from the same device identity,
// lies within the tolerance of the document's timestamp, and the document
// does not already carry the point's field. Otherwise it starts a new one.
func mergePoints(points []point, tolerance time.Duration) []*merged {
	var docs []*merged

	for _, p := range points {
		var target *merged
		for i := len(docs) - 1; i >= 0; i-- {
			doc := docs[i]
			if !doc.sameDevice(p) {
				continue
			}
			delta := p.ts.Sub(doc.ts)
			if delta < 0 {
				delta = -delta
			}
			if delta > tolerance {
				continue
			}
			if _, exists := doc.fields[p.field]; exists {
				continue
			}
			target = doc
			break
		}

		if target == nil {
			target = &merged{
				ts:       p.ts,
				deviceID: p.deviceID,
				name:     p.name,
				userID:   p.userID,
				fields:   bson.M{},
			}
			docs = append(docs, target)
		}

		target.fields[p.field] = p.value
		if p.hasUnit && p.unit != "" {
			target.fields[p.field+"_unit"] = p.unit
		}
		// The merged document keeps its earliest timestamp.
		if p.ts.Before(target.ts) {
			target.ts = p.ts
		}
	}

	return docs
}
