// Package gps reads NMEA 0183 from a GNSS receiver and decodes it.
//
// Port is the positioning SensorPort: it buffers raw sentences from a
// LineFeed (serial, gpsd or a replay log). Decoder validates checksums and
// folds RMC, GGA, VTG and multi-part GSV sentences into a Fix.
package gps
