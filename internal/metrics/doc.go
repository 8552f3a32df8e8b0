// Package metrics records latency series for an orchestration run.
//
// Each series (launch, describe, probe, time_to_ready) keeps an HDR
// histogram so percentiles stay accurate from microsecond dials up to
// hour-long readiness waits:
//
//	collector := metrics.NewCollector()
//	collector.Record(metrics.SeriesLaunch, 850*time.Millisecond, nil)
//	stats := collector.Stats()
//
// A nil *Collector accepts Record calls and reports empty stats.
package metrics
