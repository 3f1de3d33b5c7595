package caldb

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helikon-data/fringeline/internal/monitoring"
	"github.com/helikon-data/fringeline/internal/obs"
)

func init() {
	monitoring.SetLogger(nil)
}

func TestNormalizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"HD 100920", "hd100920"},
		{"hd_100920", "hd100920"},
		{"HD100920", "hd100920"},
		{"  HD 100920  ", "hd100920"},
		{"V* AB Aur", "v*abaur"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.in), "input %q", tt.in)
	}
}

func TestStaticCatalog(t *testing.T) {
	cat := NewStatic(
		Entry{Name: "HD 100920", DiamMas: 2.31, DiamErrMas: 0.02, FluxJy: 7.2},
		Entry{Name: "HD 25604", DiamMas: 1.77, DiamErrMas: 0.12},
	)
	ctx := context.Background()

	d, ok, err := cat.Diameter(ctx, "hd100920")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 2.31, d.ValueMas, 1e-9)
	assert.Equal(t, obs.DiameterCatalog, d.Source)

	_, ok, err = cat.Diameter(ctx, "HD 999999")
	require.NoError(t, err)
	assert.False(t, ok)

	flux, ok, err := cat.Flux(ctx, "HD 100920")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 7.2, flux, 1e-9)

	_, ok, err = cat.Flux(ctx, "HD 25604")
	require.NoError(t, err)
	assert.False(t, ok, "entry without flux reports unknown")
}

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "caldb.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDBUpsertAndLookup(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, Entry{Name: "HD 100920", DiamMas: 2.31, DiamErrMas: 0.02, FluxJy: 7.2}))

	d, ok, err := db.Diameter(ctx, "hd 100920")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 2.31, d.ValueMas, 1e-9)
	assert.InDelta(t, 0.02, d.ErrMas, 1e-9)
	assert.Equal(t, obs.DiameterCatalog, d.Source)

	flux, ok, err := db.Flux(ctx, "HD100920")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 7.2, flux, 1e-9)

	// Re-import with updated values replaces the record.
	require.NoError(t, db.Upsert(ctx, Entry{Name: "HD 100920", DiamMas: 2.40}))
	d, ok, err = db.Diameter(ctx, "HD 100920")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 2.40, d.ValueMas, 1e-9)

	_, ok, err = db.Flux(ctx, "HD 100920")
	require.NoError(t, err)
	assert.False(t, ok, "update without flux clears it")
}

func TestDBMiss(t *testing.T) {
	db := setupTestDB(t)
	_, ok, err := db.Diameter(context.Background(), "HD 999999")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDBUpsertValidation(t *testing.T) {
	db := setupTestDB(t)
	assert.Error(t, db.Upsert(context.Background(), Entry{Name: "", DiamMas: 1}))
	assert.Error(t, db.Upsert(context.Background(), Entry{Name: "HD 1", DiamMas: 0}))
}

func TestImportCSV(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	csvData := strings.Join([]string{
		"name,diam_mas,diam_err_mas,flux_jy",
		"HD 100920,2.31,0.02,7.2",
		"HD 25604,1.77,0.12",
		"HD 27482,1.08,,3.4",
	}, "\n")

	n, err := db.ImportCSV(ctx, strings.NewReader(csvData))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, err := db.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	d, ok, err := db.Diameter(ctx, "HD 27482")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 1.08, d.ValueMas, 1e-9)

	flux, ok, err := db.Flux(ctx, "HD 27482")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 3.4, flux, 1e-9)
}

func TestImportCSVBadRow(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.ImportCSV(context.Background(), strings.NewReader("HD 1,not-a-number\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diameter")
}
