package incentives

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"incentives/native/rank"
	"incentives/native/rewards"
)

// Params bundles the deployer-supplied engine parameters.
type Params struct {
	Zones  []string
	Rank   rank.Config
	Tables rewards.Tables
}

// DefaultParams returns empty reward tables, default rank thresholds and no
// zone restriction.
func DefaultParams() Params {
	return Params{Rank: rank.DefaultConfig(), Tables: rewards.DefaultTables()}
}

type fileParams struct {
	Zones  []string    `json:"zones" toml:"zones"`
	Rank   *fileRank   `json:"rank" toml:"rank"`
	Tables *fileTables `json:"tables" toml:"tables"`
}

type fileRank struct {
	Rank1Threshold string            `json:"rank1Threshold" toml:"rank1Threshold"`
	Rank2Threshold string            `json:"rank2Threshold" toml:"rank2Threshold"`
	Requirements   []fileRequirement `json:"requirements" toml:"requirements"`
}

type fileRequirement struct {
	Rank         uint8 `json:"rank" toml:"rank"`
	MinQualified int   `json:"minQualified" toml:"minQualified"`
	MinRank      uint8 `json:"minRank" toml:"minRank"`
}

type fileTables struct {
	Level []fileWeight `json:"level" toml:"level"`
	Tier  []fileTier   `json:"tier" toml:"tier"`
	Rank  []fileWeight `json:"rank" toml:"rank"`
}

type fileWeight struct {
	Index uint32 `json:"index" toml:"index"`
	Bps   uint32 `json:"bps" toml:"bps"`
}

type fileTier struct {
	Tier   uint8  `json:"tier" toml:"tier"`
	Level1 uint32 `json:"level1" toml:"level1"`
	Level2 uint32 `json:"level2" toml:"level2"`
	Level3 uint32 `json:"level3" toml:"level3"`
}

// LoadParams reads engine parameters from a JSON or TOML file. Unknown keys
// are rejected. Sections that are absent keep their defaults.
func LoadParams(path string) (Params, error) {
	if strings.TrimSpace(path) == "" {
		return Params{}, errors.New("incentives: params path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("incentives: read params: %w", err)
	}
	var parsed fileParams
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&parsed); err != nil {
			return Params{}, fmt.Errorf("incentives: decode params json: %w", err)
		}
	case ".toml", ".tml":
		meta, err := toml.DecodeReader(bytes.NewReader(data), &parsed)
		if err != nil {
			return Params{}, fmt.Errorf("incentives: decode params toml: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Params{}, fmt.Errorf("incentives: unknown params fields %v", undecoded)
		}
	default:
		return Params{}, fmt.Errorf("incentives: unsupported params format %q", ext)
	}
	return parsed.params()
}

func (f fileParams) params() (Params, error) {
	params := DefaultParams()
	for _, z := range f.Zones {
		if trimmed := strings.TrimSpace(z); trimmed != "" {
			params.Zones = append(params.Zones, trimmed)
		}
	}
	if f.Rank != nil {
		cfg, err := f.Rank.config()
		if err != nil {
			return Params{}, err
		}
		params.Rank = cfg
	}
	if f.Tables != nil {
		tables, err := f.Tables.tables()
		if err != nil {
			return Params{}, err
		}
		params.Tables = tables
	}
	return params, nil
}

func (f fileRank) config() (rank.Config, error) {
	cfg := rank.DefaultConfig()
	if raw := strings.TrimSpace(f.Rank1Threshold); raw != "" {
		value, err := parseAmount(raw)
		if err != nil {
			return rank.Config{}, fmt.Errorf("incentives: rank1Threshold: %w", err)
		}
		cfg.Rank1Threshold = value
	}
	if raw := strings.TrimSpace(f.Rank2Threshold); raw != "" {
		value, err := parseAmount(raw)
		if err != nil {
			return rank.Config{}, fmt.Errorf("incentives: rank2Threshold: %w", err)
		}
		cfg.Rank2Threshold = value
	}
	if f.Requirements != nil {
		cfg.Requirements = make(map[rank.Rank]rank.Requirement, len(f.Requirements))
		for _, req := range f.Requirements {
			r := rank.Rank(req.Rank)
			if _, dup := cfg.Requirements[r]; dup {
				return rank.Config{}, fmt.Errorf("incentives: duplicate requirement for rank %d", req.Rank)
			}
			cfg.Requirements[r] = rank.Requirement{MinQualified: req.MinQualified, MinRank: rank.Rank(req.MinRank)}
		}
	}
	if err := cfg.Validate(); err != nil {
		return rank.Config{}, err
	}
	return cfg, nil
}

func (f fileTables) tables() (rewards.Tables, error) {
	tables := rewards.DefaultTables()
	for _, w := range f.Level {
		if w.Index < 1 || w.Index > rewards.MaxLevelIndex {
			return rewards.Tables{}, fmt.Errorf("%w: level %d", rewards.ErrInvalidIndex, w.Index)
		}
		tables.Level[w.Index] = w.Bps
	}
	for _, t := range f.Tier {
		if t.Tier < rewards.MinSharingTier || t.Tier > rewards.MaxSharingTier {
			return rewards.Tables{}, fmt.Errorf("%w: tier %d", rewards.ErrInvalidIndex, t.Tier)
		}
		tables.Tier[t.Tier] = rewards.TierShares{t.Level1, t.Level2, t.Level3}
	}
	for _, w := range f.Rank {
		if w.Index < 1 || w.Index > rewards.MaxRankIndex {
			return rewards.Tables{}, fmt.Errorf("%w: rank %d", rewards.ErrInvalidIndex, w.Index)
		}
		tables.Rank[w.Index] = w.Bps
	}
	if err := tables.Validate(); err != nil {
		return rewards.Tables{}, err
	}
	return tables, nil
}

func parseAmount(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount %q cannot be negative", raw)
	}
	return value, nil
}
