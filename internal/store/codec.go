package store

import (
	"encoding/json"
	"time"

	"github.com/kjstillabower/city-weather-proxy/internal/models"
)

// record is the JSON value stored by key-value backends. It carries
// LastUpdated, which models.Reading omits from its JSON form.
type record struct {
	CityName      string    `json:"city_name"`
	Temperature   string    `json:"temperature"`
	Humidity      string    `json:"humidity"`
	WindSpeed     string    `json:"wind_speed"`
	WindDirection string    `json:"wind_direction"`
	Pressure      string    `json:"pressure"`
	IconCode      string    `json:"icon_code"`
	LastUpdated   time.Time `json:"last_updated"`
}

func encodeReading(r models.Reading) ([]byte, error) {
	return json.Marshal(record{
		CityName:      r.CityName,
		Temperature:   r.Temperature,
		Humidity:      r.Humidity,
		WindSpeed:     r.WindSpeed,
		WindDirection: r.WindDirection,
		Pressure:      r.Pressure,
		IconCode:      r.IconCode,
		LastUpdated:   r.LastUpdated.UTC(),
	})
}

func decodeReading(raw []byte) (models.Reading, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.Reading{}, err
	}
	return models.Reading{
		CityName:      rec.CityName,
		Temperature:   rec.Temperature,
		Humidity:      rec.Humidity,
		WindSpeed:     rec.WindSpeed,
		WindDirection: rec.WindDirection,
		Pressure:      rec.Pressure,
		IconCode:      rec.IconCode,
		LastUpdated:   rec.LastUpdated,
	}, nil
}
