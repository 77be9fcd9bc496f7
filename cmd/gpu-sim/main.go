// Command gpu-sim runs the electron transport simulator on the OpenCL
// backend: one worker goroutine per discovered device, each owning its
// own CLDriver instance. Built without -tags opencl, device discovery finds
// no devices and the run fails with ErrDeviceError (see
// internal/driver/gpu_stub.go).
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"ebeamsim/internal/config"
	"ebeamsim/internal/driver"
	"ebeamsim/internal/loader"
	"ebeamsim/internal/orchestrator"
	"ebeamsim/internal/prescan"
	"ebeamsim/internal/sink"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gpu-sim [options] <geometry.tri> <primaries.pri> <material0> [material1...]")
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
		log.Printf("gpu-sim: %v", err)
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
	if *sortPrimariesFlag {
		loader.SortPrimaries(particles, pixels)
	}
	loader.PrescanShuffle(particles, pixels, *prescanSizeFlag)

	devices, err := driver.DiscoverPlatforms(*platformFlag)
	if err != nil {
		return fmt.Errorf("discovering OpenCL platforms: %w", err)
	}
	numWorkers := len(devices)
	if numWorkers == 0 {
		return fmt.Errorf("no OpenCL devices available: %w", config.ErrDeviceError)
	}

	capacity := *capacityFlag
	ethr := *energyThresholdFlag
	o := orchestrator.New(numWorkers, func(idx int, seed uint64) (driver.Driver, error) {
		return driver.NewGPU(capacity, geo, materials, ethr, seed, *platformFlag, idx)
	})
	o.Capacity = capacity
	o.EnergyThreshold = ethr
	o.Seed = *seedFlag
	o.PrescanSize = *prescanSizeFlag
	o.BatchFactor = *batchFactorFlag
	o.TuningMode = prescan.TuningMode(*tuningModeFlag)
	o.Sink = sink.New(os.Stdout)

	o.LoadGeometry(geo)
	if err := o.LoadMaterials(materials); err != nil {
		return err
	}
	if err := o.LoadPrimaries(particles, pixels); err != nil {
		return err
	}
	return o.Run()
}
