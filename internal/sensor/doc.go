// Package sensor exposes environment readings behind a small capability
// interface. Hardware access is out of scope; the built-in kinds simulate
// plausible values around a baseline.
package sensor
