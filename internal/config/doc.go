// Package config loads the immutable run configuration: per-instrument
// identity and channels, setpoint policies, timing parameters and output
// paths. Loading merges the baked-in timing baseline, RADTEST_* environment
// overrides and the YAML file, then validates the result. A configuration
// error fails the process before any loop starts; there is no partial
// startup.
package config
