package models

import "time"

// Reading is the latest weather snapshot for one city. JSON field names are
// consumed by the existing web page and must not change.
type Reading struct {
	CityName      string    `json:"City_Name"`
	Temperature   string    `json:"Temperature"`
	Humidity      string    `json:"Humidity"`
	WindSpeed     string    `json:"Wind_speed"`
	WindDirection string    `json:"Wind_Direction"`
	Pressure      string    `json:"Pressure"`
	IconCode      string    `json:"Icon_Code"`
	LastUpdated   time.Time `json:"-"` // time of the fetch that produced the values
}

// Complete reports whether every field is populated. Only complete readings
// are stored or served.
func (r Reading) Complete() bool {
	return r.CityName != "" &&
		r.Temperature != "" &&
		r.Humidity != "" &&
		r.WindSpeed != "" &&
		r.WindDirection != "" &&
		r.Pressure != "" &&
		r.IconCode != "" &&
		!r.LastUpdated.IsZero()
}
