// Package controller drives the daemon: once per cycle it samples the
// sensors, runs the scheduler sweep and raises threshold alerts.
//
// It talks to the task core only through Sweeper (Scheduler.ProcessDueTasks).
package controller
