// Package influxdb provides an optional InfluxDB sink for relayhub's
// operational metrics.
//
// It records command dispatch outcomes and registry change counts so an
// operator can chart delivery latency and timeouts per device. It is not a
// state history: device state lives only in the registry.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // metrics sink not configured
//	}
//	defer client.Close()
//
//	client.WriteDispatchOutcome("esp32-01", "websocket", "acknowledged", 1, latency)
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Batch failures are reported through SetOnError.
package influxdb
