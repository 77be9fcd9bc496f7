package main

import (
	"flag"

	"ebeamsim/internal/config"
)

// Command-line flags for the CPU variant, mirroring the teacher's
// package-level flag.* var convention.
var (
	energyThresholdFlag = flag.Float64("energy-threshold", config.DefaultEnergyThresh, "particles below this energy are terminated")
	seedFlag            = flag.Uint64("seed", config.DefaultSeed, "master RNG seed")
	detectFilenameFlag  = flag.String("detect-filename", "", "output file for detected records (default stdout)")
	capacityFlag        = flag.Int("capacity", config.DefaultCapacity, "particle store slab size")
	nthreadsFlag        = flag.Int("nthreads", 0, "number of worker goroutines (default GOMAXPROCS)")
)
