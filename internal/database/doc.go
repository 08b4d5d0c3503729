// Package database manages the optional TimescaleDB reading archive.
//
// The archive is a single append-only table, sensor_readings, keyed by the
// update ID so a reading delivered twice is stored once.
package database
