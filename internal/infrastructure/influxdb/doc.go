// Package influxdb archives time-series data produced by fleetd.
//
// The influxdb sink writes flattened numeric telemetry fields; detector
// transitions and posture scores are written by their listeners. Writes
// are batched and non-blocking, so failures surface only through the
// SetOnError callback.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // archive off
//	}
package influxdb
