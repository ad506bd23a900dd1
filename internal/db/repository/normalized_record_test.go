package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-ingest/internal/db"
	"duck-ingest/internal/domain"
)

func setupNormalizedRepo(t *testing.T) *NormalizedRecordRepo {
	t.Helper()
	writeDB, _ := db.OpenTestSQLite(t)
	return NewNormalizedRecordRepo(writeDB, db.DialectSQLite)
}

func newRecord(id string, version int) *domain.NormalizedRecord {
	return &domain.NormalizedRecord{
		ID:        id,
		ProjectID: "proj",
		FileID:    "file-1",
		SchemaID:  "orders",
		Data:      map[string]any{"sku": "A-1", "qty": float64(version)},
		Version:   version,
		IsActive:  true,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, version, 0, time.UTC),
	}
}

func TestNormalizedRecordRepo_InsertIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := setupNormalizedRepo(t)

	rec := newRecord("r1", 1)
	require.NoError(t, repo.Insert(ctx, rec))
	require.NoError(t, repo.Insert(ctx, newRecord("r1", 1)))

	all, err := repo.ListByProject(ctx, "proj", "", false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "r1", all[0].LineageID, "lineage defaults to the first id")
	assert.Equal(t, "A-1", all[0].Data["sku"])
}

func TestNormalizedRecordRepo_SupersedeKeepsOneActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := setupNormalizedRepo(t)

	v1 := newRecord("r1", 1)
	require.NoError(t, repo.Insert(ctx, v1))

	prev := "r1"
	v2 := newRecord("r2", 2)
	v2.LineageID = "r1"
	v2.PreviousVersionID = &prev
	require.NoError(t, repo.Supersede(ctx, "r1", v2))

	lineage, err := repo.ListLineage(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	assert.False(t, lineage[0].IsActive)
	assert.True(t, lineage[1].IsActive)

	active, err := repo.ListByProject(ctx, "proj", "", true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "r2", active[0].ID)
	byFile, err := repo.ListByFile(ctx, active[0].FileID, active[0].SchemaID, true)
	require.NoError(t, err)
	assert.Len(t, byFile, 1)
	require.NotNil(t, lineage[1].PreviousVersionID)
	assert.Equal(t, "r1", *lineage[1].PreviousVersionID)

	// Superseding a stale version is a conflict.
	v3 := newRecord("r3", 3)
	v3.LineageID = "r1"
	err = repo.Supersede(ctx, "r1", v3)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestNormalizedRecordRepo_DeactivateAndDeleteInactive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := setupNormalizedRepo(t)

	require.NoError(t, repo.Insert(ctx, newRecord("r1", 1)))
	require.NoError(t, repo.Insert(ctx, newRecord("r2", 1)))

	require.NoError(t, repo.Deactivate(ctx, "r1", time.Now()))
	var nf *domain.NotFoundError
	require.ErrorAs(t, repo.Deactivate(ctx, "r1", time.Now()), &nf)

	inactive, err := repo.ListInactive(ctx)
	require.NoError(t, err)
	require.Len(t, inactive, 1)

	n, err := repo.DeleteInactive(ctx, []string{"r1", "r2"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "active records are never deleted")

	_, err = repo.GetByID(ctx, "r2")
	require.NoError(t, err)
}

func TestNormalizedRecordRepo_UpdateInPlace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := setupNormalizedRepo(t)

	rec := newRecord("r1", 1)
	require.NoError(t, repo.Insert(ctx, rec))

	rec.Data = map[string]any{"sku": "B-2"}
	require.NoError(t, repo.UpdateInPlace(ctx, rec))

	got, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "B-2", got.Data["sku"])
	assert.Equal(t, 1, got.Version)
}

func TestRecordHistoryRepo_AppendOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewRecordHistoryRepo(writeDB, db.DialectSQLite)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ops := []domain.HistoryOperation{domain.HistoryInsert, domain.HistoryUpdate, domain.HistoryDelete}
	for i, op := range ops {
		require.NoError(t, repo.Append(ctx, &domain.NormalizedRecordHistory{
			RecordID:  "r1",
			LineageID: "r1",
			Version:   1,
			Operation: op,
			Data:      map[string]any{"n": float64(i)},
			ChangedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	hist, err := repo.ListForRecord(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	for i, h := range hist {
		assert.Equal(t, ops[i], h.Operation)
	}

	byLineage, err := repo.ListForLineage(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, byLineage, 3)
}

func TestSchemaVersionRepo_AppendAssignsVersions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewSchemaVersionRepo(writeDB, db.DialectSQLite)

	cols := []domain.SchemaColumn{{Name: "sku", Type: domain.ColumnTypeString, IsRequired: true}}
	v1, err := repo.Append(ctx, &domain.SchemaVersion{SchemaID: "orders", Columns: cols})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	cols = append(cols, domain.SchemaColumn{Name: "qty", Type: domain.ColumnTypeInteger})
	v2, err := repo.Append(ctx, &domain.SchemaVersion{SchemaID: "orders", Columns: cols, Comment: "add qty"})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	latest, err := repo.Latest(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, []string{"sku", "qty"}, latest.ColumnNames())

	first, err := repo.Get(ctx, "orders", 1)
	require.NoError(t, err)
	assert.Len(t, first.Columns, 1)

	all, err := repo.List(ctx, "orders")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = repo.Latest(ctx, "missing")
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestStorageLocationRepo_Upsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewStorageLocationRepo(writeDB, db.DialectSQLite)

	require.NoError(t, repo.Upsert(ctx, &domain.StorageLocation{RecordID: "r1", SchemaID: "orders", StorageType: "relational", Location: "normalized_records"}))
	require.NoError(t, repo.Upsert(ctx, &domain.StorageLocation{RecordID: "r1", SchemaID: "orders", StorageType: "document", Location: "ns_orders"}))

	loc, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "document", loc.StorageType)
	assert.Equal(t, "ns_orders", loc.Location)

	_, err = repo.Get(ctx, "r2")
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestSchemaTableRepo_EnsureAndInsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewSchemaTableRepo(writeDB, db.DialectSQLite)

	schema := &domain.SchemaVersion{SchemaID: "Sales Orders", Columns: []domain.SchemaColumn{
		{Name: "sku", Type: domain.ColumnTypeString},
		{Name: "paid", Type: domain.ColumnTypeBoolean},
		{Name: "id", Type: domain.ColumnTypeString},
	}}
	table, err := repo.EnsureTable(ctx, schema)
	require.NoError(t, err)
	assert.Equal(t, "ns_sales_orders", table)

	rec := newRecord("r1", 1)
	rec.LineageID = "r1"
	rec.Data = map[string]any{"sku": "A-1", "paid": true, "id": "ext-1"}
	require.NoError(t, repo.InsertRecord(ctx, table, schema, rec))
	require.NoError(t, repo.InsertRecord(ctx, table, schema, rec))

	n, err := repo.CountRows(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// A later schema version adds a column to the existing table.
	schema.Columns = append(schema.Columns, domain.SchemaColumn{Name: "qty", Type: domain.ColumnTypeInteger})
	_, err = repo.EnsureTable(ctx, schema)
	require.NoError(t, err)

	rec2 := newRecord("r2", 1)
	rec2.LineageID = "r2"
	rec2.Data = map[string]any{"sku": "B-2", "qty": float64(3)}
	require.NoError(t, repo.InsertRecord(ctx, table, schema, rec2))

	var qty int64
	require.NoError(t, writeDB.QueryRowContext(ctx, `SELECT "qty" FROM ns_sales_orders WHERE id = 'r2'`).Scan(&qty))
	assert.Equal(t, int64(3), qty)
}

func TestSanitizeIdentNormalizedRecord(t *testing.T) {
	assert.Equal(t, "orders", SanitizeIdent("orders"))
	assert.Equal(t, "sales_orders_2024", SanitizeIdent("Sales-Orders 2024"))
	assert.Equal(t, "_", SanitizeIdent(""))
	assert.Len(t, SanitizeIdent(string(make([]byte, 100))), maxIdentLen)
	assert.Equal(t, "id_value", columnIdent("ID"))
}
