package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical calibration defaults file.
const DefaultConfigPath = "config/calibration.defaults.json"

// CalibrationConfig holds the tunables of the offline calibration pipeline.
// Fields are pointers so a partial JSON file only overrides what it names;
// the Get* accessors supply defaults for the rest.
type CalibrationConfig struct {
	// Calibration fitting
	MinCalibrationConfidence *float64 `json:"min_calibration_confidence,omitempty"`
	MatchWindow              *string  `json:"match_window,omitempty"` // duration string like "66ms"

	// Accuracy evaluation
	OutlierThresholdDeg *float64 `json:"outlier_threshold_deg,omitempty"`
	FovXDeg             *float64 `json:"fov_x_deg,omitempty"`
	FovYDeg             *float64 `json:"fov_y_deg,omitempty"`

	// Natural feature editing
	NaturalFeatureRadiusPx    *float64 `json:"natural_feature_radius_px,omitempty"`
	NaturalFeatureIndexRadius *int     `json:"natural_feature_index_radius,omitempty"`

	// Background mapping
	MappingBatchSize *int    `json:"mapping_batch_size,omitempty"`
	TickInterval     *string `json:"tick_interval,omitempty"`

	// Persistence
	CacheDir *string `json:"cache_dir,omitempty"` // relative to the recording directory

	// Blink detection
	BlinkHistory         *string  `json:"blink_history,omitempty"`
	BlinkOnsetThreshold  *float64 `json:"blink_onset_threshold,omitempty"`
	BlinkOffsetThreshold *float64 `json:"blink_offset_threshold,omitempty"`

	Debug *bool `json:"debug,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyCalibrationConfig returns a config with every field unset.
func EmptyCalibrationConfig() *CalibrationConfig {
	return &CalibrationConfig{}
}

// LoadCalibrationConfig loads a CalibrationConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadCalibrationConfig(path string) (*CalibrationConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCalibrationConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching upwards from the working directory. Intended for test setup.
func MustLoadDefaultConfig() *CalibrationConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadCalibrationConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *CalibrationConfig) Validate() error {
	if c.MinCalibrationConfidence != nil {
		if v := *c.MinCalibrationConfidence; v < 0 || v > 1 {
			return fmt.Errorf("min_calibration_confidence must be between 0 and 1, got %f", v)
		}
	}

	for name, s := range map[string]*string{
		"match_window":  c.MatchWindow,
		"tick_interval": c.TickInterval,
		"blink_history": c.BlinkHistory,
	} {
		if s == nil || *s == "" {
			continue
		}
		d, err := time.ParseDuration(*s)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *s)
		}
	}

	if c.OutlierThresholdDeg != nil && *c.OutlierThresholdDeg <= 0 {
		return fmt.Errorf("outlier_threshold_deg must be positive, got %f", *c.OutlierThresholdDeg)
	}
	if c.FovXDeg != nil && (*c.FovXDeg <= 0 || *c.FovXDeg >= 180) {
		return fmt.Errorf("fov_x_deg must be in (0, 180), got %f", *c.FovXDeg)
	}
	if c.FovYDeg != nil && (*c.FovYDeg <= 0 || *c.FovYDeg >= 180) {
		return fmt.Errorf("fov_y_deg must be in (0, 180), got %f", *c.FovYDeg)
	}
	if c.NaturalFeatureRadiusPx != nil && *c.NaturalFeatureRadiusPx < 0 {
		return fmt.Errorf("natural_feature_radius_px must be non-negative, got %f", *c.NaturalFeatureRadiusPx)
	}
	if c.NaturalFeatureIndexRadius != nil && *c.NaturalFeatureIndexRadius < 0 {
		return fmt.Errorf("natural_feature_index_radius must be non-negative, got %d", *c.NaturalFeatureIndexRadius)
	}
	if c.MappingBatchSize != nil && *c.MappingBatchSize <= 0 {
		return fmt.Errorf("mapping_batch_size must be positive, got %d", *c.MappingBatchSize)
	}
	if c.CacheDir != nil && *c.CacheDir == "" {
		return fmt.Errorf("cache_dir must not be empty")
	}

	return nil
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetMinCalibrationConfidence returns the pupil confidence floor for fitting.
func (c *CalibrationConfig) GetMinCalibrationConfidence() float64 {
	if c.MinCalibrationConfidence == nil {
		return 0.8
	}
	return *c.MinCalibrationConfidence
}

// GetMatchWindow returns the max reference/pupil time distance for a correspondence.
func (c *CalibrationConfig) GetMatchWindow() time.Duration {
	return parseDurationOr(c.MatchWindow, time.Second/15)
}

// GetOutlierThresholdDeg returns the default outlier threshold for new sections.
func (c *CalibrationConfig) GetOutlierThresholdDeg() float64 {
	if c.OutlierThresholdDeg == nil {
		return 5.0
	}
	return *c.OutlierThresholdDeg
}

// GetFovXDeg returns the horizontal field of view of the world camera.
func (c *CalibrationConfig) GetFovXDeg() float64 {
	if c.FovXDeg == nil {
		return 90.0
	}
	return *c.FovXDeg
}

// GetFovYDeg returns the vertical field of view of the world camera.
func (c *CalibrationConfig) GetFovYDeg() float64 {
	if c.FovYDeg == nil {
		return 60.0
	}
	return *c.FovYDeg
}

// GetNaturalFeatureRadiusPx returns the click radius for removing a natural feature.
func (c *CalibrationConfig) GetNaturalFeatureRadiusPx() float64 {
	if c.NaturalFeatureRadiusPx == nil {
		return 15.0
	}
	return *c.NaturalFeatureRadiusPx
}

// GetNaturalFeatureIndexRadius returns the half-width of a natural feature's index range.
func (c *CalibrationConfig) GetNaturalFeatureIndexRadius() int {
	if c.NaturalFeatureIndexRadius == nil {
		return 5
	}
	return *c.NaturalFeatureIndexRadius
}

// GetMappingBatchSize returns how many mapped pupil data go into one partial result.
func (c *CalibrationConfig) GetMappingBatchSize() int {
	if c.MappingBatchSize == nil {
		return 100
	}
	return *c.MappingBatchSize
}

// GetTickInterval returns the controller update period.
func (c *CalibrationConfig) GetTickInterval() time.Duration {
	return parseDurationOr(c.TickInterval, 16*time.Millisecond)
}

// GetCacheDir returns the cache directory name below the recording directory.
func (c *CalibrationConfig) GetCacheDir() string {
	if c.CacheDir == nil {
		return "offline_data"
	}
	return *c.CacheDir
}

// GetBlinkHistory returns the blink detector's confidence history length.
func (c *CalibrationConfig) GetBlinkHistory() time.Duration {
	return parseDurationOr(c.BlinkHistory, 300*time.Millisecond)
}

// GetBlinkOnsetThreshold returns the confidence drop that marks a blink onset.
func (c *CalibrationConfig) GetBlinkOnsetThreshold() float64 {
	if c.BlinkOnsetThreshold == nil {
		return 0.3
	}
	return *c.BlinkOnsetThreshold
}

// GetBlinkOffsetThreshold returns the confidence rise that marks a blink offset.
func (c *CalibrationConfig) GetBlinkOffsetThreshold() float64 {
	if c.BlinkOffsetThreshold == nil {
		return 0.3
	}
	return *c.BlinkOffsetThreshold
}

// GetDebug reports whether debug logging is enabled.
func (c *CalibrationConfig) GetDebug() bool {
	if c.Debug == nil {
		return false
	}
	return *c.Debug
}

// DefaultCalibrationConfig returns a config with every field populated with
// its built-in default. Used when no config file is given.
func DefaultCalibrationConfig() *CalibrationConfig {
	c := EmptyCalibrationConfig()
	debug := c.GetDebug()
	return &CalibrationConfig{
		MinCalibrationConfidence:  ptrFloat64(c.GetMinCalibrationConfidence()),
		MatchWindow:               ptrString(c.GetMatchWindow().String()),
		OutlierThresholdDeg:       ptrFloat64(c.GetOutlierThresholdDeg()),
		FovXDeg:                   ptrFloat64(c.GetFovXDeg()),
		FovYDeg:                   ptrFloat64(c.GetFovYDeg()),
		NaturalFeatureRadiusPx:    ptrFloat64(c.GetNaturalFeatureRadiusPx()),
		NaturalFeatureIndexRadius: ptrInt(c.GetNaturalFeatureIndexRadius()),
		MappingBatchSize:          ptrInt(c.GetMappingBatchSize()),
		TickInterval:              ptrString(c.GetTickInterval().String()),
		CacheDir:                  ptrString(c.GetCacheDir()),
		BlinkHistory:              ptrString(c.GetBlinkHistory().String()),
		BlinkOnsetThreshold:       ptrFloat64(c.GetBlinkOnsetThreshold()),
		BlinkOffsetThreshold:      ptrFloat64(c.GetBlinkOffsetThreshold()),
		Debug:                     &debug,
	}
}
