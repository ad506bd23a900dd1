package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"duck-ingest/internal/domain"
)

// Columns that order by record metadata instead of a data field.
const (
	orderCreatedAt = "created_at"
	orderUpdatedAt = "updated_at"
	orderVersion   = "version"
	orderID        = "id"
)

// GetNormalizedRecords queries a project's records.
func (s *NormalizedStorageService) GetNormalizedRecords(ctx context.Context, projectID string, q domain.RecordQuery) (*domain.RecordPage, error) {
	if projectID == "" {
		return nil, domain.ErrValidation("project id is required")
	}
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	all, err := s.records.ListByProject(ctx, projectID, q.SchemaID, q.AsOf == nil)
	if err != nil {
		return nil, fmt.Errorf("list project records: %w", err)
	}
	return s.page(ctx, all, q)
}

// GetNormalizedRecordsForFile queries the records produced from one file.
func (s *NormalizedStorageService) GetNormalizedRecordsForFile(ctx context.Context, fileID string, q domain.RecordQuery) (*domain.RecordPage, error) {
	if fileID == "" {
		return nil, domain.ErrValidation("file id is required")
	}
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	all, err := s.records.ListByFile(ctx, fileID, q.SchemaID, q.AsOf == nil)
	if err != nil {
		return nil, fmt.Errorf("list file records: %w", err)
	}
	return s.page(ctx, all, q)
}

func validateQuery(q domain.RecordQuery) error {
	if q.Limit < 0 || q.Offset < 0 {
		return domain.ErrValidation("limit and offset must not be negative")
	}
	for _, f := range q.Filters {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *NormalizedStorageService) page(ctx context.Context, all []domain.NormalizedRecord, q domain.RecordQuery) (*domain.RecordPage, error) {
	visible := selectVersions(all, q.AsOf)

	matched := visible[:0]
	for _, r := range visible {
		if matchesAll(r.Data, q.Filters) {
			matched = append(matched, r)
		}
	}
	sortRecords(matched, q.OrderBy, q.Desc)

	total := len(matched)
	start := min(q.Offset, total)
	end := total
	if q.Limit > 0 {
		end = min(start+q.Limit, total)
	}

	out := &domain.RecordPage{Records: make([]domain.RecordWithHistory, 0, end-start), Total: total}
	for _, r := range matched[start:end] {
		item := domain.RecordWithHistory{NormalizedRecord: r}
		if q.IncludeHistory && s.history != nil {
			h, err := s.history.ListForLineage(ctx, r.LineageID)
			if err != nil {
				return nil, fmt.Errorf("list history for %s: %w", r.ID, err)
			}
			item.History = h
		}
		out.Records = append(out.Records, item)
	}
	return out, nil
}

// selectVersions picks one version per lineage: the active one, or with
// asOf set, the newest version created at or before asOf. A lineage whose
// last version was deleted before asOf is omitted.
func selectVersions(all []domain.NormalizedRecord, asOf *time.Time) []domain.NormalizedRecord {
	if asOf == nil {
		out := make([]domain.NormalizedRecord, 0, len(all))
		for _, r := range all {
			if r.IsActive {
				out = append(out, r)
			}
		}
		return out
	}

	at := asOf.UTC()
	byLineage := map[string][]domain.NormalizedRecord{}
	var order []string
	for _, r := range all {
		if _, ok := byLineage[r.LineageID]; !ok {
			order = append(order, r.LineageID)
		}
		byLineage[r.LineageID] = append(byLineage[r.LineageID], r)
	}

	out := make([]domain.NormalizedRecord, 0, len(order))
	for _, lineage := range order {
		versions := byLineage[lineage]
		sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
		best := -1
		for i, v := range versions {
			if !v.CreatedAt.After(at) {
				best = i
			}
		}
		if best < 0 {
			continue
		}
		v := versions[best]
		last := best == len(versions)-1
		if last && !v.IsActive && !v.UpdatedAt.After(at) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func matchesAll(data map[string]any, filters []domain.RecordFilter) bool {
	for _, f := range filters {
		if !matches(data, f) {
			return false
		}
	}
	return true
}

func matches(data map[string]any, f domain.RecordFilter) bool {
	v, present := data[f.Field]
	switch f.Operator {
	case domain.OpEq:
		return equalValues(v, f.Value)
	case domain.OpNeq:
		return !equalValues(v, f.Value)
	case domain.OpIn:
		list, _ := f.Value.([]any)
		for _, candidate := range list {
			if equalValues(v, candidate) {
				return true
			}
		}
		return false
	}

	if !present || v == nil {
		return false
	}
	switch f.Operator {
	case domain.OpGt:
		return compareValues(v, f.Value) > 0
	case domain.OpGte:
		return compareValues(v, f.Value) >= 0
	case domain.OpLt:
		return compareValues(v, f.Value) < 0
	case domain.OpLte:
		return compareValues(v, f.Value) <= 0
	case domain.OpContains:
		return strings.Contains(stringify(v), stringify(f.Value))
	case domain.OpStartsWith:
		return strings.HasPrefix(stringify(v), stringify(f.Value))
	case domain.OpEndsWith:
		return strings.HasSuffix(stringify(v), stringify(f.Value))
	default:
		return false
	}
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return compareValues(a, b) == 0
}

// compareValues orders numbers numerically and everything else by its string
// form. Timestamps in RFC 3339 order correctly as strings.
func compareValues(a, b any) int {
	_, aStr := a.(string)
	_, bStr := b.(string)
	if !aStr || !bStr {
		if af, ok := asFloat(a); ok {
			if bf, ok := asFloat(b); ok {
				switch {
				case af < bf:
					return -1
				case af > bf:
					return 1
				default:
					return 0
				}
			}
		}
	}
	return strings.Compare(stringify(a), stringify(b))
}

func sortRecords(recs []domain.NormalizedRecord, orderBy string, desc bool) {
	compare := func(a, b domain.NormalizedRecord) int {
		switch orderBy {
		case "", orderCreatedAt:
			return a.CreatedAt.Compare(b.CreatedAt)
		case orderUpdatedAt:
			return a.UpdatedAt.Compare(b.UpdatedAt)
		case orderVersion:
			return a.Version - b.Version
		case orderID:
			return strings.Compare(a.ID, b.ID)
		}
		av, aok := a.Data[orderBy]
		bv, bok := b.Data[orderBy]
		switch {
		case !aok || av == nil:
			if !bok || bv == nil {
				return 0
			}
			return 1
		case !bok || bv == nil:
			return -1
		}
		return compareValues(av, bv)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		c := compare(recs[i], recs[j])
		if c == 0 {
			c = strings.Compare(recs[i].ID, recs[j].ID)
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}
