// Package monitor is a terminal view of one runtime: its lifecycle state and
// the messages flowing over its bus.
package monitor
