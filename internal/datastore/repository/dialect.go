package repository

import (
	"fmt"
	"strings"
	"time"

	"github.com/tphakala/birdnet-census/internal/errors"
)

// Bucket is the width of a time series bucket.
type Bucket string

const (
	BucketHour  Bucket = "hour"
	BucketDay   Bucket = "day"
	BucketWeek  Bucket = "week"
	BucketMonth Bucket = "month"
)

// ParseBucket accepts hour, day, week or month; empty means day.
func ParseBucket(s string) (Bucket, error) {
	switch b := Bucket(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return BucketDay, nil
	case BucketHour, BucketDay, BucketWeek, BucketMonth:
		return b, nil
	default:
		return "", errors.New(fmt.Errorf("unsupported bucket %q", s)).
			Component("datastore").
			Category(errors.CategoryValidation).
			Context("bucket", s).
			Build()
	}
}

// Bucket labels look like "2024-05-01 06:00", "2024-05-01", "2024-W18" and
// "2024-05". SQLite weeks are Monday based (%W), the others are ISO weeks.
var bucketFormats = map[string]map[Bucket]string{
	"sqlite": {
		BucketHour:  "strftime('%%Y-%%m-%%d %%H:00', %s)",
		BucketDay:   "strftime('%%Y-%%m-%%d', %s)",
		BucketWeek:  "strftime('%%Y-W%%W', %s)",
		BucketMonth: "strftime('%%Y-%%m', %s)",
	},
	"mysql": {
		BucketHour:  "DATE_FORMAT(%s, '%%Y-%%m-%%d %%H:00')",
		BucketDay:   "DATE_FORMAT(%s, '%%Y-%%m-%%d')",
		BucketWeek:  "DATE_FORMAT(%s, '%%x-W%%v')",
		BucketMonth: "DATE_FORMAT(%s, '%%Y-%%m')",
	},
	"postgres": {
		BucketHour:  "to_char(%s, 'YYYY-MM-DD HH24:00')",
		BucketDay:   "to_char(%s, 'YYYY-MM-DD')",
		BucketWeek:  "to_char(%s, 'IYYY-\"W\"IW')",
		BucketMonth: "to_char(%s, 'YYYY-MM')",
	},
}

// bucketExpr returns the SQL expression that labels column by bucket.
func bucketExpr(dialect string, bucket Bucket, column string) (string, error) {
	formats, ok := bucketFormats[dialect]
	if !ok {
		return "", errors.Newf("time buckets not supported for dialect %s", dialect).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}
	format, ok := formats[bucket]
	if !ok {
		return "", errors.Newf("unsupported bucket %q", bucket).
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}
	return fmt.Sprintf(format, column), nil
}

// confidenceBinExpr yields the integer bin 0..10 of a confidence column.
func confidenceBinExpr(dialect, column string) string {
	if dialect == "sqlite" {
		// truncation equals floor for non-negative values
		return fmt.Sprintf("CAST(%s * 10 AS INTEGER)", column)
	}
	return fmt.Sprintf("FLOOR(%s * 10)", column)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseDBTime reads aggregate timestamps, which drivers return as text when
// the column type is lost.
func parseDBTime(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, *s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
