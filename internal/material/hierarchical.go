package material

import (
	"fmt"

	"gopkg.in/gcfg.v1"
)

// scatterSection is one [scatter "name"] block of the hierarchical material
// format: a named, typed scatter model, referenced by name from the
// [material] block rather than positionally - the "self-describing" part
// of the format's name.
type scatterSection struct {
	// Kind is "elastic" or "inelastic".
	Kind string
	// MfpScale and MfpExponent parameterise MeanFreePath(e) = scale*e^exp.
	MfpScale    float64
	MfpExponent float64
	// EnergyLossFraction applies to inelastic sections.
	EnergyLossFraction float64
	// MaxDeflection applies to elastic sections.
	MaxDeflection float64
}

// materialSection is the top-level [material] block naming which scatter
// sections supply the elastic and inelastic tables, and the vacuum
// barrier energy.
type materialSection struct {
	Barrier   float64
	Elastic   string
	Inelastic string
}

// hierarchicalFile mirrors the shape phil-mansfield/gotetra's io/config.go
// uses for its own gcfg documents: named subsection maps plus a single
// required top-level block, decoded in one gcfg.ReadFileInto call.
type hierarchicalFile struct {
	Scatter  map[string]*scatterSection
	Material materialSection
}

// LoadHierarchical reads the self-describing hierarchical material format
// (any filename suffix not ending in "t", e.g. ".matcfg"): an INI-style
// document with [scatter "name"] sections feeding a [material] section
// that names which scatter section is elastic and which is inelastic.
func LoadHierarchical(path string) (*Material, error) {
	var doc hierarchicalFile
	if err := gcfg.ReadFileInto(&doc, path); err != nil {
		return nil, fmt.Errorf("decoding hierarchical material %q: %w", path, err)
	}

	elasticSec, ok := doc.Scatter[doc.Material.Elastic]
	if !ok {
		return nil, fmt.Errorf("hierarchical material %q: no scatter section %q for elastic", path, doc.Material.Elastic)
	}
	inelasticSec, ok := doc.Scatter[doc.Material.Inelastic]
	if !ok {
		return nil, fmt.Errorf("hierarchical material %q: no scatter section %q for inelastic", path, doc.Material.Inelastic)
	}

	return &Material{
		Name:    path,
		Barrier: doc.Material.Barrier,
		Elastic: &TabulatedScatter{
			MFPScale:      elasticSec.MfpScale,
			MFPExponent:   elasticSec.MfpExponent,
			MaxDeflection: elasticSec.MaxDeflection,
		},
		Inelastic: &TabulatedScatter{
			MFPScale:           inelasticSec.MfpScale,
			MFPExponent:        inelasticSec.MfpExponent,
			EnergyLossFraction: inelasticSec.EnergyLossFraction,
		},
	}, nil
}
