package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"duck-ingest/internal/domain"
)

// DefaultPartition is the key for records whose partition field is missing
// or matches no configured bucket.
const DefaultPartition = "default"

var timeLayouts = []string{
	time.RFC3339Nano,
	time.DateTime,
	"2006-01-02T15:04:05",
	time.DateOnly,
}

// GeneratePartitionKey derives a record's partition key from one data field.
// It is a pure function of the strategy and the field value.
func GeneratePartitionKey(strategy domain.PartitionStrategy, data map[string]any) string {
	v, ok := data[strategy.Field]
	if !ok || v == nil {
		return DefaultPartition
	}
	if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
		return DefaultPartition
	}

	switch strategy.Type {
	case domain.PartitionTime:
		t, ok := asTime(v)
		if !ok {
			return DefaultPartition
		}
		return timeBucket(t, strategy.Interval)
	case domain.PartitionHash:
		return rollingHash(stringify(v))
	case domain.PartitionRange:
		f, ok := asFloat(v)
		if !ok {
			return DefaultPartition
		}
		for i, r := range strategy.Ranges {
			if f >= r.Min && f <= r.Max {
				return strconv.Itoa(i)
			}
		}
		return DefaultPartition
	case domain.PartitionList:
		s := stringify(v)
		for i, candidate := range strategy.Values {
			if candidate == s {
				return strconv.Itoa(i)
			}
		}
		return DefaultPartition
	default:
		return DefaultPartition
	}
}

func timeBucket(t time.Time, interval domain.TimeInterval) string {
	t = t.UTC()
	switch interval {
	case domain.IntervalWeek:
		// Weekday is Sunday=0; shift so Monday starts the week.
		offset := (int(t.Weekday()) + 6) % 7
		return t.AddDate(0, 0, -offset).Format(time.DateOnly)
	case domain.IntervalMonth:
		return t.Format("2006-01")
	case domain.IntervalYear:
		return t.Format("2006")
	default:
		return t.Format(time.DateOnly)
	}
}

// rollingHash is hash = hash*31 + c over the UTF-16 code units of s, wrapping
// at 32 bits.
func rollingHash(s string) string {
	var h uint32
	for _, c := range utf16.Encode([]rune(s)) {
		h = h*31 + uint32(c)
	}
	return strconv.FormatUint(uint64(h), 16)
}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	default:
		// Numeric timestamps are Unix milliseconds.
		if f, ok := asFloat(v); ok {
			return time.UnixMilli(int64(f)).UTC(), true
		}
		return time.Time{}, false
	}
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// stringify renders a scalar the way it appears in the source file, so that
// 42 and "42" land in the same bucket.
func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
