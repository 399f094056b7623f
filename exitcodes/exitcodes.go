// Package exitcodes defines the exit codes of qastudio-reporter.
package exitcodes

// The reporter exits with:
//
// * Success (0): every reported test passed, or there was nothing to report
// * TestFailure (1): at least one test failed or a package did not build
// * RuntimeErr (2): invalid configuration, unreadable input, or a reporting
// failure while silent mode is off
const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
