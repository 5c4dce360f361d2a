// Package viz renders the energy log of a run in the terminal.
//
// [Model] is a Bubble Tea program that tails a log file while the run writes
// it and redraws the kinetic energy chart. [Plot] renders the same chart once
// for non-interactive use.
//
// # Key Bindings
//
//	Space - Pause/Resume following the file
//	T     - Cycle color themes
//	?     - Show help overlay
//	Q     - Quit
package viz
