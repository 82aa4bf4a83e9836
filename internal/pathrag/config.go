package pathrag

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config holds the retrieval limits and scoring weights.
type Config struct {
	MaxDepth int     `yaml:"max_depth"`
	MaxPaths int     `yaml:"max_paths"`
	MinScore float64 `yaml:"min_score"`
	MaxSeeds int     `yaml:"max_seeds"`

	// Relevance = SemanticWeight·cosine(path, query) + EdgeWeight·predicate match.
	SemanticWeight float64 `yaml:"semantic_weight"`
	EdgeWeight     float64 `yaml:"edge_weight"`
	// HopDecay multiplies the score once per hop beyond the first.
	HopDecay float64 `yaml:"hop_decay"`
	// Slack lowers the pruning threshold in proportion to the remaining depth,
	// so a weak early hop can be redeemed by a strong later one.
	Slack float64 `yaml:"slack"`
	// MonotoneAfter is the hop count past which a path never outscores its prefix.
	MonotoneAfter int `yaml:"monotone_after"`
	// Filter is an optional CEL expression over relationships.
	Filter string `yaml:"filter"`
	// Predicates, when set, restricts traversal to these predicates.
	Predicates []string `yaml:"predicates"`
	// AllowCycles admits paths that revisit a vertex through a new
	// relationship, for cyclic evidence such as mutual borders.
	AllowCycles bool `yaml:"allow_cycles"`
}

// DefaultConfig returns the retrieval defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:       3,
		MaxPaths:       5,
		MinScore:       0.3,
		MaxSeeds:       3,
		SemanticWeight: 0.6,
		EdgeWeight:     0.4,
		HopDecay:       0.8,
		Slack:          0.5,
		MonotoneAfter:  2,
	}
}

// Validate validates the retrieval configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxDepth, validation.Required, validation.Min(1), validation.Max(8)),
		validation.Field(&c.MaxPaths, validation.Required, validation.Min(1)),
		validation.Field(&c.MinScore, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.MaxSeeds, validation.Required, validation.Min(1)),
		validation.Field(&c.SemanticWeight, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.EdgeWeight, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.HopDecay, validation.Required, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.Slack, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.MonotoneAfter, validation.Min(1)),
		validation.Field(&c.Predicates, validation.Each(validation.Required)),
	)
}
