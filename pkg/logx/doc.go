// Package logx is harvester's structured logging: a value-type Logger over
// zerolog with a pretty console writer, an optional JSON file sink, and
// levels that can be set per component and swapped at runtime through
// Service.Apply.
package logx
