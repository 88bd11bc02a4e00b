package interfaces

import (
	"context"
	"time"

	osnmodels "github.com/opensensor-io/sensor-server/src/production/OSN.Models"
)

// HistoryQuery carries the normalized parameters of a sampled-history query.
// DeviceIDs holds every id in the resolved device chain; the aggregation
// matches any of them.
type HistoryQuery struct {
	DeviceIDs  []string
	DeviceName string
	StartDate  *time.Time
	EndDate    *time.Time
	Resolution int // bucket width in minutes
	Page       int
	Size       int
	Unit       string // desired temperature unit, "" keeps stored units
}

// HistoryPage is one page of sampled readings plus pagination bookkeeping.
// Total counts buckets across the full window, not raw documents.
type HistoryPage struct {
	Items []interface{} `json:"items"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
	Total int64         `json:"total"`
	Pages int64         `json:"pages"`
}

type ReadingRepository interface {
	// RecordEnvironment persists every populated payload of a multi-sensor
	// event. Missing timestamps are filled with the current time.
	RecordEnvironment(ctx context.Context, env *osnmodels.Environment) error

	// SampleHistory runs the uniform time-bucket sampling pipeline for one
	// sensor model (schema descriptor name) and returns the requested page.
	SampleHistory(ctx context.Context, modelName string, query HistoryQuery) (*HistoryPage, error)

	// SampleVPD derives vapor pressure deficit per bucket from co-located
	// temperature and humidity readings.
	SampleVPD(ctx context.Context, query HistoryQuery) ([]osnmodels.VPD, error)
}
