package config

// Default tuning constants shared by the cpu-sim and gpu-sim CLIs' flag
// declarations, mirroring the teacher's config.go split between mutable
// flags (declared in each cmd's own flags.go) and immutable defaults.
const (
	DefaultCapacity       = 1_000_000
	DefaultPrescanSize    = 1000
	DefaultBatchFactor    = 0.9
	DefaultEnergyThresh   = 0.0
	DefaultSeed           = uint64(0x14f8214e78c7e39b)
	DefaultPlatformIndex  = -1
	DefaultTuningMode     = "legacy"
	ProgressInterval      = 1 // seconds between orchestrator progress prints
)
