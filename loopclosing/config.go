package loopclosing

import (
	"encoding/json"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"

	"go.viam.com/loopclosure/verify"
)

// Config carries every tunable of the subsystem. JSON fields override the
// defaults; environment references in the file are expanded before parsing.
type Config struct {
	// WorkDir is where the scratch store and rendered closures live.
	WorkDir string `json:"work_dir"`
	// KeyframesDir holds the zero-padded keyframe JPEGs used for
	// visualization. Empty disables rendering.
	KeyframesDir string `json:"keyframes_dir"`
	// CameraIntrinsicsPath points at a calibration JSON file. When set it
	// overrides the camera model the graph exposes.
	CameraIntrinsicsPath string `json:"camera_intrinsics_path"`

	DiscardWindow       int     `json:"discard_window"`
	ProximityNeighbors  int     `json:"proximity_neighbors"`
	ProximityCandidates int     `json:"proximity_candidates"`
	HashCandidates      int     `json:"hash_candidates"`
	MinInliers          int     `json:"min_inliers"`
	MaxInliers          int     `json:"max_inliers"`
	MatchRatio          float64 `json:"match_ratio"`
	MatchGatePercent    int     `json:"match_gate_percent"`
	PairVotes           int     `json:"pair_votes"`
	RANSACIterations    int     `json:"ransac_iterations"`
	ReprojectionErrorPx float64 `json:"reprojection_error_px"`
	PollRateHz          int     `json:"poll_rate_hz"`
	FrustumFilter       bool    `json:"frustum_filter"`
}

// DefaultConfig returns the tuning used by the stereo pipeline.
func DefaultConfig() Config {
	return Config{
		WorkDir:             ".",
		DiscardWindow:       20,
		ProximityNeighbors:  5,
		ProximityCandidates: 3,
		HashCandidates:      5,
		MinInliers:          12,
		MaxInliers:          150,
		MatchRatio:          0.8,
		MatchGatePercent:    35,
		PairVotes:           5,
		RANSACIterations:    100,
		ReprojectionErrorPx: 5.0,
		PollRateHz:          500,
	}
}

// LoadConfig reads a JSON configuration file, expanding ${VAR} references
// from the environment. Fields absent from the file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := envsubst.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "cannot read config %q", path)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "cannot parse config %q", path)
	}
	if err := cfg.CheckValid(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// CheckValid rejects configurations the pipeline cannot run with.
func (c *Config) CheckValid() error {
	switch {
	case c.WorkDir == "":
		return errors.New("work_dir cannot be empty")
	case c.DiscardWindow < 0:
		return errors.New("discard_window cannot be negative")
	case c.MinInliers <= 0:
		return errors.New("min_inliers must be positive")
	case c.MatchRatio <= 0 || c.MatchRatio >= 1:
		return errors.New("match_ratio must be in (0, 1)")
	case c.MatchGatePercent < 0 || c.MatchGatePercent > 100:
		return errors.New("match_gate_percent must be in [0, 100]")
	case c.PairVotes <= 0:
		return errors.New("pair_votes must be positive")
	case c.RANSACIterations <= 0:
		return errors.New("ransac_iterations must be positive")
	case c.ReprojectionErrorPx <= 0:
		return errors.New("reprojection_error_px must be positive")
	case c.PollRateHz <= 0:
		return errors.New("poll_rate_hz must be positive")
	}
	return nil
}

// verifyConfig projects the subsystem configuration onto the verifier's.
func (c *Config) verifyConfig() verify.Config {
	return verify.Config{
		DiscardWindow:    c.DiscardWindow,
		Neighbors:        c.ProximityNeighbors,
		MinInliers:       c.MinInliers,
		MatchRatio:       c.MatchRatio,
		MatchGatePercent: c.MatchGatePercent,
		PairVotes:        c.PairVotes,
		FrustumFilter:    c.FrustumFilter,
	}
}
