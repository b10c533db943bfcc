package config

import "fmt"

// Method identifies a search algorithm (§4.C).
type Method string

const (
	MethodIdentity    Method = "identity"
	MethodOpen        Method = "open"
	MethodNeutralLoss Method = "neutral_loss"
	MethodHybrid      Method = "hybrid"
	MethodAll         Method = "all"
)

// AllMethods expands MethodAll to the four concrete search algorithms.
var AllMethods = []Method{MethodIdentity, MethodOpen, MethodNeutralLoss, MethodHybrid}

// CleanOptions configures the peak-list normalization pipeline (§4.A).
// Zero-value CleanOptions is invalid; use DefaultCleanOptions.
type CleanOptions struct {
	// MaxMZ, when > 0, drops peaks with mz above this value. Callers
	// typically set it to precursor_mz - PrecursorIonsRemovalDa.
	MaxMZ float32

	// PrecursorIonsRemovalDa is the default cutoff subtracted from a
	// spectrum's precursor m/z when the caller does not supply MaxMZ
	// directly.
	PrecursorIonsRemovalDa float32

	// NoiseThreshold is the relative-intensity cutoff (fraction of the max
	// peak) below which peaks are dropped.
	NoiseThreshold float32

	// MinMS2DifferenceDa is the minimum m/z spacing enforced by centroid
	// merging.
	MinMS2DifferenceDa float32

	// MaxPeakNum, when > 0, keeps only the MaxPeakNum highest-intensity
	// peaks after noise filtering.
	MaxPeakNum int
}

// DefaultCleanOptions returns the defaults named in §6.
func DefaultCleanOptions() CleanOptions {
	return CleanOptions{
		PrecursorIonsRemovalDa: 1.6,
		NoiseThreshold:         0.01,
		MinMS2DifferenceDa:     0.05,
	}
}

// SearchOptions configures a search call (§6, §4.C).
type SearchOptions struct {
	Methods []Method

	MS1ToleranceDa float32
	MS2ToleranceDa float32

	// TopN is K for search_topn_matches. nil means "all, sorted descending".
	TopN *int

	NeedMetadata bool

	// Clean controls whether the query is run through the cleaning
	// pipeline before scoring. Defaults to true; low-level per-method
	// entry points always assume a pre-cleaned query.
	Clean bool

	CleanOptions CleanOptions
}

// DefaultTopN is applied when neither TopN nor "all results" is requested.
const DefaultTopN = 3

// DefaultSearchOptions returns the defaults named in §6.
func DefaultSearchOptions() SearchOptions {
	n := DefaultTopN
	return SearchOptions{
		Methods:        []Method{MethodOpen},
		MS1ToleranceDa: 0.01,
		MS2ToleranceDa: 0.02,
		TopN:           &n,
		NeedMetadata:   false,
		Clean:          true,
		CleanOptions:   DefaultCleanOptions(),
	}
}

// ResolvedMethods expands MethodAll into the four concrete algorithms and
// validates the rest.
func (o SearchOptions) ResolvedMethods() ([]Method, error) {
	if len(o.Methods) == 0 {
		return nil, fmt.Errorf("at least one search method is required")
	}
	out := make([]Method, 0, len(o.Methods))
	for _, m := range o.Methods {
		switch m {
		case MethodAll:
			out = append(out, AllMethods...)
		case MethodIdentity, MethodOpen, MethodNeutralLoss, MethodHybrid:
			out = append(out, m)
		default:
			return nil, fmt.Errorf("unknown search method %q", m)
		}
	}
	return out, nil
}
