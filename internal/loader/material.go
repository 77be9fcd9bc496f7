package loader

import (
	"strings"

	"ebeamsim/internal/material"
)

// LoadMaterialFile dispatches on filename suffix: paths whose last byte is
// "t" (conventionally ".mat") are read as the legacy binary format;
// everything else (conventionally ".matcfg") uses the hierarchical
// self-describing format.
func LoadMaterialFile(path string) (*material.Material, error) {
	if strings.HasSuffix(path, "t") {
		return material.LoadLegacy(path)
	}
	return material.LoadHierarchical(path)
}

// LoadMaterialFiles loads every path via LoadMaterialFile, in order.
func LoadMaterialFiles(paths []string) ([]*material.Material, error) {
	materials := make([]*material.Material, len(paths))
	for i, p := range paths {
		m, err := LoadMaterialFile(p)
		if err != nil {
			return nil, err
		}
		materials[i] = m
	}
	return materials, nil
}
