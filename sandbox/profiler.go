package sandbox

import _ "embed"

// profilerScript is the in-environment memory sampler. It wraps the run
// step of a profiled sequence and emits the two-column sample feed the
// accountant consumes.
//
//go:embed memory_profiler.sh
var profilerScript []byte
