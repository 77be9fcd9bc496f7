package main

import (
	"flag"

	"ebeamsim/internal/config"
)

// Command-line flags for the GPU variant, mirroring the teacher's
// package-level flag.* var convention.
var (
	energyThresholdFlag = flag.Float64("energy-threshold", config.DefaultEnergyThresh, "particles below this energy are terminated")
	capacityFlag        = flag.Int("capacity", config.DefaultCapacity, "particle store slab size")
	prescanSizeFlag     = flag.Int("prescan-size", config.DefaultPrescanSize, "pilot particle count for prescan tuning")
	batchFactorFlag     = flag.Float64("batch-factor", config.DefaultBatchFactor, "headroom fraction applied to capacity")
	seedFlag            = flag.Uint64("seed", config.DefaultSeed, "master RNG seed")
	sortPrimariesFlag   = flag.Bool("sort-primaries", false, "apply the loader-defined pre-sort before prescan")
	platformFlag        = flag.Int("platform", config.DefaultPlatformIndex, "restrict device discovery to one OpenCL platform index (-1 = all)")
	tuningModeFlag      = flag.String("tuning-mode", config.DefaultTuningMode, "prescan accumulator formula: legacy|experimental")
)
