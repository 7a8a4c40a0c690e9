// Package instrument defines the closed capability contract every
// acquisition subsystem is built against: Acquire for sampled capture and
// Command for analog setpoints. Drivers are identified by transport family,
// never by vendor; the engine branches only on these two operations.
package instrument
