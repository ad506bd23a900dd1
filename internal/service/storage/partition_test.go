package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"duck-ingest/internal/domain"
)

func TestGeneratePartitionKey(t *testing.T) {
	t.Parallel()

	timeStrategy := func(interval domain.TimeInterval) domain.PartitionStrategy {
		return domain.PartitionStrategy{Type: domain.PartitionTime, Field: "at", Interval: interval}
	}
	ranges := domain.PartitionStrategy{
		Type:   domain.PartitionRange,
		Field:  "amount",
		Ranges: []domain.RangeBucket{{Min: 0, Max: 10}, {Min: 11, Max: 20}},
	}
	list := domain.PartitionStrategy{Type: domain.PartitionList, Field: "region", Values: []string{"EU", "US", "APAC"}}
	hash := domain.PartitionStrategy{Type: domain.PartitionHash, Field: "sku"}

	tests := []struct {
		name     string
		strategy domain.PartitionStrategy
		data     map[string]any
		want     string
	}{
		{"day", timeStrategy(domain.IntervalDay), map[string]any{"at": "2024-03-15T22:10:00Z"}, "2024-03-15"},
		{"default interval is day", timeStrategy(""), map[string]any{"at": "2024-03-15"}, "2024-03-15"},
		{"week from wednesday", timeStrategy(domain.IntervalWeek), map[string]any{"at": "2024-01-03T08:00:00Z"}, "2024-01-01"},
		{"week from sunday", timeStrategy(domain.IntervalWeek), map[string]any{"at": "2024-01-07T23:59:59Z"}, "2024-01-01"},
		{"week from monday", timeStrategy(domain.IntervalWeek), map[string]any{"at": "2024-01-08"}, "2024-01-08"},
		{"month", timeStrategy(domain.IntervalMonth), map[string]any{"at": "2024-03-15T10:00:00+02:00"}, "2024-03"},
		{"year", timeStrategy(domain.IntervalYear), map[string]any{"at": time.Date(2023, 12, 31, 23, 0, 0, 0, time.UTC)}, "2023"},
		{"unix millis", timeStrategy(domain.IntervalDay), map[string]any{"at": float64(1710460800000)}, "2024-03-15"},
		{"unparseable time", timeStrategy(domain.IntervalDay), map[string]any{"at": "soon"}, DefaultPartition},
		{"hash", hash, map[string]any{"sku": "abc"}, "17862"},
		{"hash of astral char uses surrogate pair", hash, map[string]any{"sku": "\U0001F600"}, "1b0d63"},
		{"hash of bmp char", hash, map[string]any{"sku": "é"}, "e9"},
		{"hash of number matches its text", hash, map[string]any{"sku": float64(42)}, rollingHash("42")},
		{"range first bucket", ranges, map[string]any{"amount": float64(10)}, "0"},
		{"range second bucket", ranges, map[string]any{"amount": "15"}, "1"},
		{"range miss", ranges, map[string]any{"amount": float64(100)}, DefaultPartition},
		{"range non numeric", ranges, map[string]any{"amount": "lots"}, DefaultPartition},
		{"list match", list, map[string]any{"region": "US"}, "1"},
		{"list miss", list, map[string]any{"region": "us"}, DefaultPartition},
		{"missing field", hash, map[string]any{"other": "x"}, DefaultPartition},
		{"null field", list, map[string]any{"region": nil}, DefaultPartition},
		{"blank field", timeStrategy(domain.IntervalDay), map[string]any{"at": "  "}, DefaultPartition},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, GeneratePartitionKey(tc.strategy, tc.data))
		})
	}
}

func TestGeneratePartitionKey_Deterministic(t *testing.T) {
	t.Parallel()
	strategies := []domain.PartitionStrategy{
		{Type: domain.PartitionHash, Field: "v"},
		{Type: domain.PartitionTime, Field: "v", Interval: domain.IntervalWeek},
		{Type: domain.PartitionList, Field: "v", Values: []string{"a", "2024-05-05"}},
		{Type: domain.PartitionRange, Field: "v", Ranges: []domain.RangeBucket{{Min: 0, Max: 1e12}}},
	}
	values := []any{"2024-05-05", "a", float64(7), "x-y-z", nil}

	for _, s := range strategies {
		for _, v := range values {
			first := GeneratePartitionKey(s, map[string]any{"v": v})
			for range 5 {
				assert.Equal(t, first, GeneratePartitionKey(s, map[string]any{"v": v}), "%s %v", s.Type, v)
			}
		}
	}
}
