package material

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ebeamsim/internal/geomvec"
)

func TestTabulatedScatterApplyReducesEnergy(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ts := &TabulatedScatter{MFPScale: 1, MFPExponent: 0, EnergyLossFraction: 0.1, MaxDeflection: 0.2}
	e, dir := ts.Apply(rng, 100, geomvec.Vec3{0, 0, 1})
	require.InDelta(t, 90, e, 1e-9)
	require.InDelta(t, 1, geomvec.Length(dir), 1e-9)
}

func TestDrawEventFavorsShorterMeanFreePath(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	mat := &Material{
		Elastic:   &TabulatedScatter{MFPScale: 1e9, MFPExponent: 0},
		Inelastic: &TabulatedScatter{MFPScale: 1, MFPExponent: 0, EnergyLossFraction: 0.5},
	}
	counts := map[ScatterKind]int{}
	for i := 0; i < 200; i++ {
		kind, dist := mat.DrawEvent(rng, 10)
		require.Greater(t, dist, 0.0)
		counts[kind]++
	}
	require.Greater(t, counts[Inelastic], counts[Elastic])
}

func TestDecodeLegacyInline(t *testing.T) {
	var buf bytes.Buffer
	writeLenPrefixed(&buf, "copper")
	binary.Write(&buf, binary.LittleEndian, 4.5)
	binary.Write(&buf, binary.LittleEndian, uint8(1))
	binary.Write(&buf, binary.LittleEndian, [3]float64{1.0, 0.3, 0.5})
	binary.Write(&buf, binary.LittleEndian, [3]float64{2.0, 0.1, 0.2})

	mat, err := decodeLegacy(&buf)
	require.NoError(t, err)
	require.Equal(t, "copper", mat.Name)
	require.InDelta(t, 4.5, mat.Barrier, 1e-9)
	require.InDelta(t, 0.5, mat.Elastic.(*TabulatedScatter).MaxDeflection, 1e-9)
	require.InDelta(t, 0.2, mat.Inelastic.(*TabulatedScatter).EnergyLossFraction, 1e-9)
}

func writeLenPrefixed(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

func TestLoadHierarchical(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gold.matcfg")
	contents := `[scatter "elastic-default"]
Kind = elastic
MfpScale = 1.1
MfpExponent = 0.4
MaxDeflection = 0.5

[scatter "inelastic-default"]
Kind = inelastic
MfpScale = 2.2
MfpExponent = 0.1
EnergyLossFraction = 0.05

[material]
Barrier = 1.5
Elastic = elastic-default
Inelastic = inelastic-default
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	mat, err := LoadHierarchical(path)
	require.NoError(t, err)
	require.InDelta(t, 1.5, mat.Barrier, 1e-9)
	require.InDelta(t, 0.5, mat.Elastic.(*TabulatedScatter).MaxDeflection, 1e-9)
	require.InDelta(t, 0.05, mat.Inelastic.(*TabulatedScatter).EnergyLossFraction, 1e-9)
}
