package caldb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/helikon-data/fringeline/internal/monitoring"
)

// Doer is the slice of http.Client the catalog sync needs. Production passes
// nil for the default client; tests inject canned responses.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SyncFromURL refreshes the mirror from a catalog service's CSV export,
// the same column layout ImportCSV reads from a local file. Returns how
// many records were imported.
func (d *DB) SyncFromURL(ctx context.Context, client Doer, url string) (int, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("building catalog request for %s: %w", url, err)
	}
	req.Header.Set("Accept", "text/csv")

	monitoring.Tracef("[caldb] syncing calibrators from %s", url)
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetching calibrator catalog from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("calibrator catalog %s returned %s: %s",
			url, resp.Status, strings.TrimSpace(string(body)))
	}
	return d.ImportCSV(ctx, resp.Body)
}
