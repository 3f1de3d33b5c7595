// Package config holds the orchestrator's run configuration. Values come
// from an optional JSON file, then FRINGELINE_* environment variables
// override individual fields. Every field is optional: the Get* accessors
// fall back to built-in defaults, so partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the root configuration. All fields are pointers so a JSON file
// or the environment can override exactly the fields it names.
type Config struct {
	// Cataloging and grouping
	GapThreshold *string `json:"gap_threshold,omitempty" envconfig:"FRINGELINE_GAP_THRESHOLD"` // duration string like "4h"

	// Calibrator matching
	MaxSeparation  *string  `json:"max_separation,omitempty" envconfig:"FRINGELINE_MAX_SEPARATION"`     // duration string like "2h"
	TieBreakWindow *string  `json:"tie_break_window,omitempty" envconfig:"FRINGELINE_TIE_BREAK_WINDOW"` // duration string like "30m"
	DiameterMas    *float64 `json:"default_diameter_mas,omitempty" envconfig:"FRINGELINE_DEFAULT_DIAMETER_MAS"`
	DiameterErrMas *float64 `json:"default_diameter_err_mas,omitempty" envconfig:"FRINGELINE_DEFAULT_DIAMETER_ERR_MAS"`

	// Pipeline
	Workers      *int    `json:"workers,omitempty" envconfig:"FRINGELINE_WORKERS"`
	StageTimeout *string `json:"stage_timeout,omitempty" envconfig:"FRINGELINE_STAGE_TIMEOUT"` // duration string like "30m"
	FluxMode     *string `json:"flux_mode,omitempty" envconfig:"FRINGELINE_FLUX_MODE"`         // "incoherent" or "coherent"

	// Outlier rejection during merge/average
	ClipSigma       *float64 `json:"clip_sigma,omitempty" envconfig:"FRINGELINE_CLIP_SIGMA"`
	ClipIterations  *int     `json:"clip_iterations,omitempty" envconfig:"FRINGELINE_CLIP_ITERATIONS"`
	MinContributors *int     `json:"min_contributors,omitempty" envconfig:"FRINGELINE_MIN_CONTRIBUTORS"`

	// Reduction engine
	EngineBinary  *string `json:"engine_binary,omitempty" envconfig:"FRINGELINE_ENGINE_BINARY"`
	EngineCores   *int    `json:"engine_cores,omitempty" envconfig:"FRINGELINE_ENGINE_CORES"`
	EngineMaxIter *int    `json:"engine_max_iter,omitempty" envconfig:"FRINGELINE_ENGINE_MAX_ITER"`

	// Trees and databases
	RawDir       *string `json:"raw_dir,omitempty" envconfig:"FRINGELINE_RAW_DIR"`
	CalibDir     *string `json:"calib_dir,omitempty" envconfig:"FRINGELINE_CALIB_DIR"`
	WorkDir      *string `json:"work_dir,omitempty" envconfig:"FRINGELINE_WORK_DIR"`
	CalDBPath    *string `json:"caldb_path,omitempty" envconfig:"FRINGELINE_CALDB_PATH"`
	RunStorePath *string `json:"runstore_path,omitempty" envconfig:"FRINGELINE_RUNSTORE_PATH"`

	// Artifact archival. ArchiveDir publishes into a local tree; when
	// S3Endpoint is set the S3 fields publish into a bucket instead.
	ArchiveDir  *string `json:"archive_dir,omitempty" envconfig:"FRINGELINE_ARCHIVE_DIR"`
	S3Endpoint  *string `json:"s3_endpoint,omitempty" envconfig:"FRINGELINE_S3_ENDPOINT"`
	S3AccessKey *string `json:"s3_access_key,omitempty" envconfig:"FRINGELINE_S3_ACCESS_KEY"`
	S3SecretKey *string `json:"s3_secret_key,omitempty" envconfig:"FRINGELINE_S3_SECRET_KEY"`
	S3Bucket    *string `json:"s3_bucket,omitempty" envconfig:"FRINGELINE_S3_BUCKET"`
	S3Region    *string `json:"s3_region,omitempty" envconfig:"FRINGELINE_S3_REGION"`
	S3UseSSL    *bool   `json:"s3_use_ssl,omitempty" envconfig:"FRINGELINE_S3_USE_SSL"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Load builds the effective configuration: the JSON file at path (skipped
// when path is empty), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("reading environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFile reads a JSON config file. Fields omitted from the file stay nil,
// so the Get* defaults still apply.
func loadFile(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configured values are usable.
func (c *Config) Validate() error {
	for name, field := range map[string]*string{
		"gap_threshold":    c.GapThreshold,
		"max_separation":   c.MaxSeparation,
		"tie_break_window": c.TieBreakWindow,
		"stage_timeout":    c.StageTimeout,
	} {
		if field != nil && *field != "" {
			if _, err := time.ParseDuration(*field); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *field, err)
			}
		}
	}

	if c.FluxMode != nil {
		switch *c.FluxMode {
		case "", "incoherent", "coherent":
		default:
			return fmt.Errorf("flux_mode must be \"incoherent\" or \"coherent\", got %q", *c.FluxMode)
		}
	}

	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	if c.ClipSigma != nil && *c.ClipSigma <= 0 {
		return fmt.Errorf("clip_sigma must be positive, got %f", *c.ClipSigma)
	}
	if c.ClipIterations != nil && *c.ClipIterations < 0 {
		return fmt.Errorf("clip_iterations must be non-negative, got %d", *c.ClipIterations)
	}
	if c.MinContributors != nil && *c.MinContributors < 1 {
		return fmt.Errorf("min_contributors must be at least 1, got %d", *c.MinContributors)
	}
	if c.DiameterMas != nil && *c.DiameterMas <= 0 {
		return fmt.Errorf("default_diameter_mas must be positive, got %f", *c.DiameterMas)
	}
	if c.EngineCores != nil && *c.EngineCores < 0 {
		return fmt.Errorf("engine_cores must be non-negative, got %d", *c.EngineCores)
	}

	if c.S3Endpoint != nil && *c.S3Endpoint != "" {
		if c.S3Bucket == nil || *c.S3Bucket == "" {
			return fmt.Errorf("s3_endpoint is set but s3_bucket is missing")
		}
	}

	return nil
}

// duration parses a duration field, returning def when unset or malformed.
func duration(field *string, def time.Duration) time.Duration {
	if field == nil || *field == "" {
		return def
	}
	d, err := time.ParseDuration(*field)
	if err != nil {
		return def
	}
	return d
}

// GetGapThreshold is the largest pause between consecutive exposures that
// still belongs to the same observation block.
func (c *Config) GetGapThreshold() time.Duration {
	return duration(c.GapThreshold, 4*time.Hour)
}

// GetMaxSeparation is the largest usable science-to-calibrator separation.
func (c *Config) GetMaxSeparation() time.Duration {
	return duration(c.MaxSeparation, 2*time.Hour)
}

// GetTieBreakWindow widens the best separation into a band of candidates
// that tie-break on airmass.
func (c *Config) GetTieBreakWindow() time.Duration {
	return duration(c.TieBreakWindow, 30*time.Minute)
}

// GetDefaultDiameterMas is the diameter assumed for calibrators the catalog
// does not know.
func (c *Config) GetDefaultDiameterMas() float64 {
	if c.DiameterMas == nil {
		return 1.0
	}
	return *c.DiameterMas
}

// GetDefaultDiameterErrMas is the uncertainty attached to the fallback
// diameter.
func (c *Config) GetDefaultDiameterErrMas() float64 {
	if c.DiameterErrMas == nil {
		return 0.5
	}
	return *c.DiameterErrMas
}

// GetWorkers is the block-level worker pool size.
func (c *Config) GetWorkers() int {
	if c.Workers == nil || *c.Workers == 0 {
		return 4
	}
	return *c.Workers
}

// GetStageTimeout bounds each pipeline stage.
func (c *Config) GetStageTimeout() time.Duration {
	return duration(c.StageTimeout, 30*time.Minute)
}

// GetFluxMode returns "incoherent" or "coherent".
func (c *Config) GetFluxMode() string {
	if c.FluxMode == nil || *c.FluxMode == "" {
		return "incoherent"
	}
	return *c.FluxMode
}

// GetClipSigma is the sigma-clipping threshold for outlier rejection.
func (c *Config) GetClipSigma() float64 {
	if c.ClipSigma == nil {
		return 3.0
	}
	return *c.ClipSigma
}

// GetClipIterations is the number of clipping passes per channel.
func (c *Config) GetClipIterations() int {
	if c.ClipIterations == nil {
		return 2
	}
	return *c.ClipIterations
}

// GetMinContributors is the contributor count below which an average is
// flagged low-confidence.
func (c *Config) GetMinContributors() int {
	if c.MinContributors == nil {
		return 3
	}
	return *c.MinContributors
}

// GetEngineBinary is the reduction recipe driver executable.
func (c *Config) GetEngineBinary() string {
	if c.EngineBinary == nil || *c.EngineBinary == "" {
		return "mat_autoPipeline"
	}
	return *c.EngineBinary
}

// GetEngineCores is the worker process count handed to the recipe.
func (c *Config) GetEngineCores() int {
	if c.EngineCores == nil || *c.EngineCores == 0 {
		return 6
	}
	return *c.EngineCores
}

// GetEngineMaxIter is the recipe-internal iteration count.
func (c *Config) GetEngineMaxIter() int {
	if c.EngineMaxIter == nil || *c.EngineMaxIter == 0 {
		return 1
	}
	return *c.EngineMaxIter
}

// GetRawDir is the raw exposure tree. Empty means it must come from the
// command line.
func (c *Config) GetRawDir() string {
	if c.RawDir == nil {
		return ""
	}
	return *c.RawDir
}

// GetCalibDir is the static instrument calibration map directory.
func (c *Config) GetCalibDir() string {
	if c.CalibDir == nil {
		return ""
	}
	return *c.CalibDir
}

// GetWorkDir is where per-block stage products are written.
func (c *Config) GetWorkDir() string {
	if c.WorkDir == nil || *c.WorkDir == "" {
		return "work"
	}
	return *c.WorkDir
}

// GetCalDBPath is the sqlite calibrator catalog. Empty means no catalog;
// every calibrator falls back to the default diameter.
func (c *Config) GetCalDBPath() string {
	if c.CalDBPath == nil {
		return ""
	}
	return *c.CalDBPath
}

// GetRunStorePath is the sqlite run history database.
func (c *Config) GetRunStorePath() string {
	if c.RunStorePath == nil || *c.RunStorePath == "" {
		return "fringeline-runs.sqlite"
	}
	return *c.RunStorePath
}

// GetArchiveDir is the local artifact archive root. Empty disables local
// archival.
func (c *Config) GetArchiveDir() string {
	if c.ArchiveDir == nil {
		return ""
	}
	return *c.ArchiveDir
}

// GetS3Endpoint is the S3-compatible archive endpoint. Empty disables
// object archival.
func (c *Config) GetS3Endpoint() string {
	if c.S3Endpoint == nil {
		return ""
	}
	return *c.S3Endpoint
}

// GetS3AccessKey returns the archive bucket access key.
func (c *Config) GetS3AccessKey() string {
	if c.S3AccessKey == nil {
		return ""
	}
	return *c.S3AccessKey
}

// GetS3SecretKey returns the archive bucket secret key.
func (c *Config) GetS3SecretKey() string {
	if c.S3SecretKey == nil {
		return ""
	}
	return *c.S3SecretKey
}

// GetS3Bucket returns the archive bucket name.
func (c *Config) GetS3Bucket() string {
	if c.S3Bucket == nil {
		return ""
	}
	return *c.S3Bucket
}

// GetS3Region returns the archive bucket region.
func (c *Config) GetS3Region() string {
	if c.S3Region == nil {
		return ""
	}
	return *c.S3Region
}

// GetS3UseSSL reports whether the archive endpoint speaks TLS.
func (c *Config) GetS3UseSSL() bool {
	if c.S3UseSSL == nil {
		return false
	}
	return *c.S3UseSSL
}
