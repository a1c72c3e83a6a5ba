package counter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/corates/stripehook/internal/pkg/billing"
)

const (
	outcomeKeyPrefix = "stripehook:outcomes"
	dayLayout        = "2006-01-02"
	// counters are kept for the ops stats endpoint only
	retention = 35 * 24 * time.Hour
)

// ErrInvalidDay is returned by Stats for a day not in YYYY-MM-DD form.
var ErrInvalidDay = errors.New("invalid day")

// DailyStats are the outcome counters of one UTC day.
type DailyStats struct {
	Day      string           `json:"day"`
	Total    int64            `json:"total"`
	Statuses map[string]int64 `json:"statuses"`
	Tags     map[string]int64 `json:"tags"`
	Failures map[string]int64 `json:"verification_failures"`
}

// Recorder keeps per-day outcome counters in a Redis hash. It implements
// billing.OutcomeRecorder; Redis errors are logged and dropped.
type Recorder struct {
	rdb *redis.Client
	now func() time.Time
}

var _ billing.OutcomeRecorder = (*Recorder)(nil)

// NewRecorder creates a Redis-backed outcome counter.
func NewRecorder(rdb *redis.Client) *Recorder {
	return &Recorder{
		rdb: rdb,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func dayKey(day string) string {
	return fmt.Sprintf("%s:%s", outcomeKeyPrefix, day)
}

func (r *Recorder) RecordDelivery(ctx context.Context, report billing.DeliveryReport) {
	key := dayKey(r.now().Format(dayLayout))

	pipe := r.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "total", 1)
	if report.Status != "" {
		pipe.HIncrBy(ctx, key, "status:"+report.Status, 1)
	}
	if report.Tag != "" {
		pipe.HIncrBy(ctx, key, "tag:"+report.Tag, 1)
	}
	pipe.Expire(ctx, key, retention)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to record webhook outcome counter")
	}
}

func (r *Recorder) RecordVerificationFailure(reason string) {
	ctx := context.Background()
	key := dayKey(r.now().Format(dayLayout))
	if err := r.rdb.HIncrBy(ctx, key, "failure:"+reason, 1).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to record verification failure counter")
	}
}

// Stats reads the counters of one day (YYYY-MM-DD). An empty day means today.
func (r *Recorder) Stats(ctx context.Context, day string) (*DailyStats, error) {
	if day == "" {
		day = r.now().Format(dayLayout)
	}
	if _, err := time.Parse(dayLayout, day); err != nil {
		return nil, fmt.Errorf("%w %q: expected YYYY-MM-DD", ErrInvalidDay, day)
	}

	data, err := r.rdb.HGetAll(ctx, dayKey(day)).Result()
	if err != nil {
		return nil, err
	}

	stats := &DailyStats{
		Day:      day,
		Statuses: map[string]int64{},
		Tags:     map[string]int64{},
		Failures: map[string]int64{},
	}
	fields := make([]string, 0, len(data))
	for k := range data {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	for _, field := range fields {
		n, perr := strconv.ParseInt(data[field], 10, 64)
		if perr != nil {
			continue
		}
		switch {
		case field == "total":
			stats.Total = n
		case strings.HasPrefix(field, "status:"):
			stats.Statuses[strings.TrimPrefix(field, "status:")] = n
		case strings.HasPrefix(field, "tag:"):
			stats.Tags[strings.TrimPrefix(field, "tag:")] = n
		case strings.HasPrefix(field, "failure:"):
			stats.Failures[strings.TrimPrefix(field, "failure:")] = n
		}
	}
	return stats, nil
}
