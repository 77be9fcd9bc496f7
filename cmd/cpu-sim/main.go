// Command cpu-sim runs the electron transport simulator on the CPU
// backend: one worker goroutine per thread, each owning its own
// CPUDriver instance.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"

	"ebeamsim/internal/config"
	"ebeamsim/internal/driver"
	"ebeamsim/internal/loader"
	"ebeamsim/internal/orchestrator"
	"ebeamsim/internal/sink"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cpu-sim [options] <geometry.tri> <primaries.pri> <material0> [material1...]")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 3 {
		usage()
		os.Exit(1)
	}
	if err := run(flag.Arg(0), flag.Arg(1), flag.Args()[2:]); err != nil {
		log.Printf("cpu-sim: %v", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, config.ErrDeviceError):
		return 2
	default:
		return 1
	}
}

func run(geometryPath, primariesPath string, materialPaths []string) error {
	geo, err := loader.LoadGeometryFile(geometryPath)
	if err != nil {
		return fmt.Errorf("loading geometry: %w", err)
	}
	materials, err := loader.LoadMaterialFiles(materialPaths)
	if err != nil {
		return fmt.Errorf("loading materials: %w", err)
	}
	particles, pixels, err := loader.LoadPrimariesFile(primariesPath, geo)
	if err != nil {
		return fmt.Errorf("loading primaries: %w", err)
	}

	out, closeOut, err := openOutput(*detectFilenameFlag)
	if err != nil {
		return fmt.Errorf("opening output: %w", err)
	}
	defer closeOut()

	nthreads := *nthreadsFlag
	if nthreads <= 0 {
		nthreads = runtime.GOMAXPROCS(0)
	}

	capacity := *capacityFlag
	ethr := *energyThresholdFlag
	o := orchestrator.New(nthreads, func(idx int, seed uint64) (driver.Driver, error) {
		return driver.New(capacity, geo, materials, ethr, seed), nil
	})
	o.Capacity = capacity
	o.EnergyThreshold = ethr
	o.Seed = *seedFlag
	o.Sink = sink.New(out)

	o.LoadGeometry(geo)
	if err := o.LoadMaterials(materials); err != nil {
		return err
	}
	if err := o.LoadPrimaries(particles, pixels); err != nil {
		return err
	}
	return o.Run()
}

func openOutput(path string) (*os.File, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}
