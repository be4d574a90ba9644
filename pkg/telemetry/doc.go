// Package telemetry wires OpenTelemetry exporters and meters for the token
// mutator and renders core diagnostic events.
//
// It centralises trace provider setup and provides the event sinks that turn
// domain.Event values into log records, span events and metric samples.
package telemetry
