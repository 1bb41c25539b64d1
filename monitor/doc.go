// Package monitor provides the metrics sink the transport core reports
// into: counters with labels (message_sent, message_dropped{reason},
// message_error, task_timeout) and coarse processing-time stats.
// Production deployments wrap MetricsCollector with an exporter.
package monitor
