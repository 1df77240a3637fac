// Package tsdb provides the optional InfluxDB telemetry sink for
// Conduit Core.
//
// Messages addressed to the reserved platform destination carry device
// telemetry; this package extracts the numeric fields of those payloads
// and writes them as InfluxDB points. Writes are non-blocking and
// batched by the client library.
//
// # Usage
//
//	client, err := tsdb.Connect(cfg.Telemetry)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	sink := tsdb.NewTelemetrySink(client)
//	router.SetPlatformSink(sink)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
//
// # Error Handling
//
// Write operations are non-blocking; batch errors are reported via a
// callback set with SetOnError. Connection and health check errors are
// returned directly.
package tsdb
