// Package models provides data model definitions for the field sync core.
package models

// Coordinates is a GPS fix. Accuracy is in meters, Heading in degrees
// (0-360) and Speed in m/s; each is optional.
type Coordinates struct {
	Latitude  float64  `json:"latitude" cbor:"latitude"`
	Longitude float64  `json:"longitude" cbor:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty" cbor:"accuracy,omitempty"`
	Heading   *float64 `json:"heading,omitempty" cbor:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty" cbor:"speed,omitempty"`
}

// MeetingPoint is the reference location a guide checks in against.
type MeetingPoint struct {
	ID           string      `json:"id" cbor:"id"`
	Name         string      `json:"name" cbor:"name"`
	Coordinates  Coordinates `json:"coordinates" cbor:"coordinates"`
	RadiusMeters float64     `json:"radiusMeters" cbor:"radius_meters"`
}
