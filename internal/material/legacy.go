package material

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andrebq/gas"
)

// legacyTableDir is resolved once, relative to this package's own import
// path, exactly as pumas/impl.go's init() resolves its bundled CSDA data
// directory with gas.MustAbs: it lets the legacy loader ship default
// coefficient presets inside the module without a runtime search path.
var legacyTableDir = gas.MustAbs("ebeamsim/internal/material/tables")

// LoadLegacy reads the legacy binary material format: filenames whose
// suffix ends in "t" (e.g. ".mat") are dispatched here by the loader in
// internal/loader. The format is a UTF-8 name, a little-endian vacuum
// barrier, and then either inline scatter coefficients or a preset name
// resolved against legacyTableDir.
func LoadLegacy(path string) (*Material, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening legacy material %q: %w", path, err)
	}
	defer f.Close()
	mat, err := decodeLegacy(f)
	if err != nil {
		return nil, fmt.Errorf("decoding legacy material %q: %w", path, err)
	}
	return mat, nil
}

func decodeLegacy(r io.Reader) (*Material, error) {
	name, err := readLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("reading material name: %w", err)
	}
	var barrier float64
	if err := binary.Read(r, binary.LittleEndian, &barrier); err != nil {
		return nil, fmt.Errorf("reading vacuum barrier: %w", err)
	}
	var inline uint8
	if err := binary.Read(r, binary.LittleEndian, &inline); err != nil {
		return nil, fmt.Errorf("reading coefficient mode: %w", err)
	}
	mat := &Material{Name: name, Barrier: barrier}
	if inline != 0 {
		elastic, err := readTabulated(r, Elastic)
		if err != nil {
			return nil, fmt.Errorf("reading elastic coefficients: %w", err)
		}
		inelastic, err := readTabulated(r, Inelastic)
		if err != nil {
			return nil, fmt.Errorf("reading inelastic coefficients: %w", err)
		}
		mat.Elastic, mat.Inelastic = elastic, inelastic
		return mat, nil
	}
	preset, err := readLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("reading preset name: %w", err)
	}
	elastic, inelastic, err := loadPreset(preset)
	if err != nil {
		return nil, err
	}
	mat.Elastic, mat.Inelastic = elastic, inelastic
	return mat, nil
}

func readLengthPrefixed(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readTabulated(r io.Reader, kind ScatterKind) (*TabulatedScatter, error) {
	var vals [3]float64
	if err := binary.Read(r, binary.LittleEndian, &vals); err != nil {
		return nil, err
	}
	t := &TabulatedScatter{MFPScale: vals[0], MFPExponent: vals[1]}
	if kind == Elastic {
		t.MaxDeflection = vals[2]
	} else {
		t.EnergyLossFraction = vals[2]
	}
	return t, nil
}

// loadPreset reads a bundled coefficient preset by name from
// legacyTableDir/<name>.tab, a plain "key value" text format, one pair per
// line, blank lines and "#"-prefixed comments ignored - the same reading
// idiom (bufio line scan, whitespace split, ordinary strconv parsing) that
// pumas/impl.go uses for its own tabulated data files.
func loadPreset(name string) (elastic, inelastic *TabulatedScatter, err error) {
	path := filepath.Join(legacyTableDir, name+".tab")
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening preset %q: %w", path, err)
	}
	defer f.Close()

	values := map[string]float64{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, nil, fmt.Errorf("preset %q: malformed line %q", name, line)
		}
		v, perr := strconv.ParseFloat(fields[1], 64)
		if perr != nil {
			return nil, nil, fmt.Errorf("preset %q: parsing %q: %w", name, line, perr)
		}
		values[fields[0]] = v
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading preset %q: %w", name, err)
	}

	elastic = &TabulatedScatter{
		MFPScale:      values["elastic_mfp_scale"],
		MFPExponent:   values["elastic_mfp_exponent"],
		MaxDeflection: values["elastic_max_deflection"],
	}
	inelastic = &TabulatedScatter{
		MFPScale:           values["inelastic_mfp_scale"],
		MFPExponent:        values["inelastic_mfp_exponent"],
		EnergyLossFraction: values["inelastic_energy_loss_fraction"],
	}
	return elastic, inelastic, nil
}
