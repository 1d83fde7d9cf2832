// Package monitoring tracks query and pool performance for the access
// layer.
//
// Monitor.Record is called once per query on the foreground path. It keeps
// per-fingerprint statistics (count, EWMA latency and a bounded latency
// window) and a global latency window. Monitor.Run samples pool state on a
// fixed interval, flags fingerprints whose EWMA crosses the slow query
// threshold and expires fingerprints that have not been seen for a while.
//
// Usage:
//
//	exporter := monitoring.NewMetricsExporter(logger, monitoring.DefaultMetricsConfig())
//	mon := monitoring.NewMonitor(logger, cfg,
//		monitoring.WithPools(supervisor),
//		monitoring.WithSink(exporter),
//	)
//	go mon.Run(ctx)
//	snap := mon.Snapshot()
package monitoring
