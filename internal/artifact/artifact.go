// Package artifact moves finished products out of the work tree. Every
// usable block contributes two objects: its final product document, copied
// byte for byte, and a provenance sidecar recording where the product came
// from (raw exposures, surviving contributors, calibrator assignment, engine
// options, stage history). The destination is either a local archive
// directory or an S3-compatible bucket.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/helikon-data/fringeline/internal/engine"
	"github.com/helikon-data/fringeline/internal/fsutil"
	"github.com/helikon-data/fringeline/internal/match"
	"github.com/helikon-data/fringeline/internal/monitoring"
	"github.com/helikon-data/fringeline/internal/obs"
	"github.com/helikon-data/fringeline/internal/pipeline"
	"github.com/helikon-data/fringeline/internal/product"
	"github.com/helikon-data/fringeline/internal/security"
	"github.com/helikon-data/fringeline/internal/timeutil"
)

// Store is an artifact destination. Keys are slash-separated and relative;
// the store decides how they map onto its backend.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
}

// DirStore writes artifacts under a root directory, one file per key.
type DirStore struct {
	root string
	fsys fsutil.FileSystem
}

// NewDirStore returns a store rooted at dir. A nil fsys means the real
// filesystem.
func NewDirStore(dir string, fsys fsutil.FileSystem) *DirStore {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	return &DirStore{root: dir, fsys: fsys}
}

// Put writes data at key below the store root. Keys that would escape the
// root are rejected before anything touches the disk.
func (d *DirStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest := filepath.Join(d.root, filepath.FromSlash(key))
	if err := security.ValidatePathWithinDirectory(dest, d.root); err != nil {
		return err
	}
	if err := d.fsys.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating artifact dir: %w", err)
	}
	if err := d.fsys.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("writing artifact %s: %w", dest, err)
	}
	return nil
}

// ObjectConfig locates the S3-compatible archive bucket.
type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Validate checks the fields a client cannot be built without.
func (c ObjectConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("object store endpoint is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("object store bucket is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("object store credentials are required")
	}
	return nil
}

// ObjectStore archives artifacts into one bucket of an S3-compatible store.
type ObjectStore struct {
	client *minio.Client
	cfg    ObjectConfig
}

// NewObjectStore builds a client for the configured endpoint. No connection
// is made until the first call.
func NewObjectStore(cfg ObjectConfig) (*ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("building object store client: %w", err)
	}
	return &ObjectStore{client: client, cfg: cfg}, nil
}

// EnsureBucket creates the archive bucket when it does not exist yet.
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", s.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", s.cfg.Bucket, err)
	}
	monitoring.Logf("[artifact] created bucket %s", s.cfg.Bucket)
	return nil
}

// Put uploads one artifact object.
func (s *ObjectStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

// Provenance is the sidecar published next to each product.
type Provenance struct {
	RunID        string                 `json:"run_id"`
	BlockID      string                 `json:"block_id"`
	Target       string                 `json:"target"`
	Role         obs.Role               `json:"role"`
	Mode         obs.Mode               `json:"mode"`
	Band         obs.Band               `json:"band"`
	State        pipeline.State         `json:"state"`
	Calibrated   bool                   `json:"calibrated"`
	Exposures    []string               `json:"exposures"`
	Contributors []string               `json:"contributors,omitempty"`
	Assignment   *match.Assignment      `json:"assignment,omitempty"`
	Engine       EngineInfo             `json:"engine"`
	Stages       []pipeline.StageResult `json:"stages"`
	PublishedAt  time.Time              `json:"published_at"`
}

// EngineInfo records the reduction engine configuration a run used.
type EngineInfo struct {
	Binary  string `json:"binary,omitempty"`
	NCores  int    `json:"ncores,omitempty"`
	MaxIter int    `json:"max_iter,omitempty"`
}

// Publisher copies usable block products into a Store.
type Publisher struct {
	store  Store
	fsys   fsutil.FileSystem
	engine EngineInfo
	clock  timeutil.Clock
}

// NewPublisher returns a publisher writing to store. A nil fsys means the
// real filesystem; opts is recorded verbatim in each sidecar.
func NewPublisher(store Store, fsys fsutil.FileSystem, opts engine.Options) *Publisher {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	return &Publisher{
		store:  store,
		fsys:   fsys,
		engine: EngineInfo{Binary: opts.Binary, NCores: opts.NCores, MaxIter: opts.MaxIter},
		clock:  timeutil.RealClock{},
	}
}

// Publish writes every usable block's final product and provenance sidecar
// and returns the keys written, in block order. Blocks that never reached a
// usable state are not archived; the run report is their record. On error
// the keys already written are returned with it.
func (p *Publisher) Publish(ctx context.Context, runID string, runs []pipeline.BlockRun) ([]string, error) {
	var keys []string
	for i := range runs {
		run := &runs[i]
		if !run.Usable() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return keys, err
		}

		ref := finalRef(run)
		if ref.IsZero() {
			monitoring.Logf("[artifact] %s: usable but no product recorded, skipping", run.Block.ID)
			continue
		}
		data, err := p.fsys.ReadFile(ref.Path)
		if err != nil {
			return keys, fmt.Errorf("reading product for %s: %w", run.Block.ID, err)
		}
		var set product.Set
		if err := json.Unmarshal(data, &set); err != nil {
			return keys, fmt.Errorf("decoding product for %s: %w", run.Block.ID, err)
		}
		if err := set.Validate(); err != nil {
			return keys, fmt.Errorf("refusing to archive %s: %w", run.Block.ID, err)
		}

		base := path.Join(runID, strings.ToLower(security.SafeComponent(run.Block.Target)), run.Block.ID)
		prodKey := path.Join(base, path.Base(filepath.ToSlash(ref.Path)))
		if err := p.store.Put(ctx, prodKey, data); err != nil {
			return keys, fmt.Errorf("publishing %s: %w", run.Block.ID, err)
		}
		keys = append(keys, prodKey)

		prov, err := json.MarshalIndent(p.provenance(runID, run, &set), "", "  ")
		if err != nil {
			return keys, fmt.Errorf("encoding provenance for %s: %w", run.Block.ID, err)
		}
		provKey := path.Join(base, "provenance.json")
		if err := p.store.Put(ctx, provKey, prov); err != nil {
			return keys, fmt.Errorf("publishing provenance for %s: %w", run.Block.ID, err)
		}
		keys = append(keys, provKey)
	}
	monitoring.Logf("[artifact] run %s: published %d objects", runID, len(keys))
	return keys, nil
}

func (p *Publisher) provenance(runID string, run *pipeline.BlockRun, set *product.Set) Provenance {
	prov := Provenance{
		RunID:        runID,
		BlockID:      run.Block.ID,
		Target:       run.Block.Target,
		Role:         run.Role,
		Mode:         run.Block.Mode,
		Band:         run.Block.Band,
		State:        run.State,
		Calibrated:   set.Calibrated,
		Contributors: set.Contributors,
		Engine:       p.engine,
		Stages:       run.Results,
		PublishedAt:  p.clock.Now().UTC(),
	}
	for _, e := range run.Block.Exposures {
		prov.Exposures = append(prov.Exposures, e.File)
	}
	if run.Role == obs.RoleScience {
		a := run.Assignment
		prov.Assignment = &a
	}
	return prov
}

// finalRef is the output of the last successful stage.
func finalRef(run *pipeline.BlockRun) product.Ref {
	for i := len(run.Results) - 1; i >= 0; i-- {
		res := run.Results[i]
		if res.Status == pipeline.StatusSuccess && !res.Output.IsZero() {
			return res.Output
		}
	}
	return product.Ref{}
}
