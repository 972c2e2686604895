// Package infra contains technical adapters: the management-tool
// subprocess invoker, the MQTT publisher and the metrics exporters.
// These packages depend only on the interfaces defined in the core
// packages.
package infra
