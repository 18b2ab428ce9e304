//go:build !linux

package sandbox

const reaperEnv = "HARVESTER_SANDBOX_REAPER"

// Without child subreapers the process isolator falls back to killing the
// routine's process group.
const reaperAvailable = false
