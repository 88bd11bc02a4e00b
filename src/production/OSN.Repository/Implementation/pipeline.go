package implementation

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	interfaces "github.com/opensensor-io/sensor-server/src/production/OSN.Repository/Interfaces"
	schema "github.com/opensensor-io/sensor-server/src/production/OSN.Schema"
)

const (
	defaultWindowDays = 100
	defaultResolution = 30
	defaultPageSize   = 50
	maxPageSize       = 1000
)

// normalizeQuery fills query defaults in place and returns the concrete time
// window: [end - 100 days, end) when no bounds are given.
func normalizeQuery(q *interfaces.HistoryQuery) (start, end time.Time) {
	// The implicit "now" bound is truncated to the minute so repeated live
	// queries produce identical pipelines and can share cache entries.
	end = time.Now().UTC().Truncate(time.Minute).Add(time.Minute)
	if q.EndDate != nil {
		end = q.EndDate.UTC()
	}
	start = end.AddDate(0, 0, -defaultWindowDays)
	if q.StartDate != nil {
		start = q.StartDate.UTC()
	}

	if q.Resolution <= 0 {
		q.Resolution = defaultResolution
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Size < 1 {
		q.Size = defaultPageSize
	}
	if q.Size > maxPageSize {
		q.Size = maxPageSize
	}
	return start, end
}

func matchStage(d schema.Descriptor, unified bool, q interfaces.HistoryQuery, start, end time.Time) bson.D {
	match := bson.D{
		{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: start}, {Key: "$lt", Value: end}}},
		{Key: "metadata.device_id", Value: bson.D{{Key: "$in", Value: q.DeviceIDs}}},
	}
	if q.DeviceName != "" {
		match = append(match, bson.E{Key: "metadata.name", Value: q.DeviceName})
	}
	if unified {
		// Unified documents are sparse; only keep those carrying this type.
		match = append(match, bson.E{Key: d.UnifiedField, Value: bson.D{{Key: "$exists", Value: true}}})
	}
	return bson.D{{Key: "$match", Value: match}}
}

// bucketStages assigns each document to a fixed-width time bucket and keeps
// the earliest document per bucket. The ascending sort ahead of $group pins
// $first to the chronologically earliest document instead of whatever order
// the storage engine happened to return.
func bucketStages(start time.Time, resolutionMinutes int) []bson.D {
	resolutionMS := int64(resolutionMinutes) * 60 * 1000
	return []bson.D{
		{{Key: "$sort", Value: bson.D{{Key: "timestamp", Value: 1}}}},
		{{Key: "$addFields", Value: bson.D{
			{Key: "group", Value: bson.D{
				{Key: "$floor", Value: bson.D{
					{Key: "$divide", Value: bson.A{
						bson.D{{Key: "$subtract", Value: bson.A{"$timestamp", start}}},
						resolutionMS,
					}},
				}},
			}},
		}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$group"},
			{Key: "doc", Value: bson.D{{Key: "$first", Value: "$$ROOT"}}},
		}}},
	}
}

// BuildUniformSamplePipeline assembles the sampled-history pipeline for one
// sensor type: match, bucket, project back to logical field names, sort.
func BuildUniformSamplePipeline(d schema.Descriptor, unified bool, q interfaces.HistoryQuery, start, end time.Time) mongo.Pipeline {
	projection := schema.LegacyProjection(d)
	if unified {
		projection = schema.UnifiedProjection(d)
	}

	pipeline := mongo.Pipeline{matchStage(d, unified, q, start, end)}
	pipeline = append(pipeline, bucketStages(start, q.Resolution)...)
	pipeline = append(pipeline,
		bson.D{{Key: "$replaceRoot", Value: bson.D{{Key: "newRoot", Value: "$doc"}}}},
		bson.D{{Key: "$project", Value: projection}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "timestamp", Value: 1}}}},
	)
	return pipeline
}

// AppendPagination adds the page window to a sampled-history pipeline.
func AppendPagination(pipeline mongo.Pipeline, page, size int) mongo.Pipeline {
	return append(pipeline,
		bson.D{{Key: "$skip", Value: int64(page-1) * int64(size)}},
		bson.D{{Key: "$limit", Value: int64(size)}},
	)
}

// BuildCountPipeline counts the buckets across the full window, without the
// projection or pagination of the page pipeline.
func BuildCountPipeline(d schema.Descriptor, unified bool, q interfaces.HistoryQuery, start, end time.Time) mongo.Pipeline {
	pipeline := mongo.Pipeline{matchStage(d, unified, q, start, end)}
	pipeline = append(pipeline, bucketStages(start, q.Resolution)...)
	return append(pipeline, bson.D{{Key: "$count", Value: "total"}})
}

// BuildVPDPipeline averages temperature and relative humidity per bucket over
// documents carrying both, for derivation of vapor pressure deficit. Only the
// unified collection co-locates the two fields in one document.
func BuildVPDPipeline(q interfaces.HistoryQuery, start, end time.Time) mongo.Pipeline {
	resolutionMS := int64(q.Resolution) * 60 * 1000
	match := bson.D{
		{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: start}, {Key: "$lt", Value: end}}},
		{Key: "metadata.device_id", Value: bson.D{{Key: "$in", Value: q.DeviceIDs}}},
		{Key: "temp", Value: bson.D{{Key: "$exists", Value: true}}},
		{Key: "rh", Value: bson.D{{Key: "$exists", Value: true}}},
	}
	if q.DeviceName != "" {
		match = append(match, bson.E{Key: "metadata.name", Value: q.DeviceName})
	}

	return mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$sort", Value: bson.D{{Key: "timestamp", Value: 1}}}},
		{{Key: "$addFields", Value: bson.D{
			{Key: "group", Value: bson.D{
				{Key: "$floor", Value: bson.D{
					{Key: "$divide", Value: bson.A{
						bson.D{{Key: "$subtract", Value: bson.A{"$timestamp", start}}},
						resolutionMS,
					}},
				}},
			}},
		}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$group"},
			{Key: "timestamp", Value: bson.D{{Key: "$first", Value: "$timestamp"}}},
			{Key: "temp", Value: bson.D{{Key: "$avg", Value: bson.D{{Key: "$toDouble", Value: "$temp"}}}}},
			{Key: "rh", Value: bson.D{{Key: "$avg", Value: bson.D{{Key: "$toDouble", Value: "$rh"}}}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "timestamp", Value: 1}}}},
	}
}

// pipelineCacheKey derives a stable cache key from the exact stages of a
// pipeline plus any post-processing inputs (desired unit). Every device id in
// the chain appears colon-delimited so ingest-side invalidation can match on
// any one of them.
func pipelineCacheKey(collection string, deviceIDs []string, pipeline mongo.Pipeline, extra string) string {
	h := xxhash.New()
	for _, stage := range pipeline {
		raw, err := bson.MarshalExtJSON(stage, true, false)
		if err != nil {
			continue
		}
		_, _ = h.Write(raw)
	}
	_, _ = h.WriteString(extra)

	key := "agg:" + collection
	for _, id := range deviceIDs {
		key += ":" + id
	}
	return fmt.Sprintf("%s:%016x", key, h.Sum64())
}
