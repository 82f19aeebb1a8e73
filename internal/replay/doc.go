// Package replay records raw NMEA sentences with their arrival times and
// plays them back as a positioning feed, for deterministic regression runs.
package replay
