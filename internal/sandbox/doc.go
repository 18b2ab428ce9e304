// Package sandbox runs untrusted extraction routines out of process.
//
// A run gets a private work directory holding the rendered harness, a unix
// socket serving the capability page, and the result file the routine must
// write. stdout and stderr are kept as a bounded log and never parsed; the
// result file is the only structured output. An Isolator (process group with
// rlimits, or a docker container) enforces memory, CPU and wall-clock limits
// and is torn down on every exit path.
package sandbox
