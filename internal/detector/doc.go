// Package detector implements the Detector Engine: a per-entity
// threshold/hysteresis state machine over NORMAL, WARNING and ALARM.
//
// Every transition moves one step, so ALARM is only reached from WARNING
// and NORMAL only from WARNING. A sample above HighThreshold counts toward
// ConsecutiveHigh, a sample below LowThreshold toward ConsecutiveLow, and a
// sample inside the band resets both. Reaching a count moves the state one
// step and resets the counters. A tick with no new sample for an entity is
// a data gap: state and counters are held.
//
// The Engine shards entities over a fixed set of goroutines; each model is
// owned by exactly one shard, so evaluation needs no locks.
package detector
