// Package loader implements the file-format boundary of the simulation:
// binary little-endian geometry and primaries files, and the
// filename-suffix dispatch between the two material formats.
package loader

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"ebeamsim/internal/config"
	"ebeamsim/internal/geometry"
	"ebeamsim/internal/geomvec"
)

// geometryRecordSize is the size of the on-disk layout of one triangle: three vertices
// (3 float64 each), then MaterialIn, MaterialOut (int32), then an
// IsDetector flag stored as a single byte.
const geometryRecordSize = 3*3*8 + 4 + 4 + 1

// LoadGeometryFile reads a .tri file and builds the acceleration
// structure over it. An empty or absent file is ErrInputMissing.
func LoadGeometryFile(path string) (*geometry.Geometry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening geometry file %q: %w", path, config.ErrInputMissing)
	}
	defer f.Close()

	var triangles []geometry.Triangle
	buf := make([]byte, geometryRecordSize)
	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("reading geometry file %q: %w", path, err)
		}
		triangles = append(triangles, decodeTriangle(buf))
	}
	if len(triangles) == 0 {
		return nil, fmt.Errorf("geometry file %q contains no triangles: %w", path, config.ErrInputMissing)
	}
	return geometry.Build(triangles), nil
}

func decodeTriangle(b []byte) geometry.Triangle {
	readVec := func(off int) geomvec.Vec3 {
		return geomvec.Vec3{
			readFloat64(b[off : off+8]),
			readFloat64(b[off+8 : off+16]),
			readFloat64(b[off+16 : off+24]),
		}
	}
	v0 := readVec(0)
	v1 := readVec(24)
	v2 := readVec(48)
	matIn := int32(binary.LittleEndian.Uint32(b[72:76]))
	matOut := int32(binary.LittleEndian.Uint32(b[76:80]))
	isDetector := b[80] != 0
	return geometry.Triangle{
		V0: v0, V1: v1, V2: v2,
		MaterialIn: matIn, MaterialOut: matOut, IsDetector: isDetector,
	}
}

func readFloat64(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}
