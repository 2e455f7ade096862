package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"steward/internal/domain"
	"steward/internal/schema"
)

// OpenMeteoURL is the forecast endpoint queried by Weather.
const OpenMeteoURL = "https://api.open-meteo.com/v1/forecast"

var weatherFields = []string{
	"temperature_2m", "apparent_temperature", "is_day", "precipitation", "rain",
	"showers", "snowfall", "cloud_cover", "wind_speed_10m", "wind_gusts_10m",
}

type WeatherRequest interface{ isWeatherRequest() }

type GetCurrentWeather struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (GetCurrentWeather) isWeatherRequest() {}

// Weather reports current conditions from open-meteo.
type Weather struct {
	Base
	fetcher HTTPFetcher
	baseURL string
}

func NewWeather(fetcher HTTPFetcher) *Weather {
	return &Weather{
		Base: Base{
			ToolName: "Current Weather",
			Summary:  "Use GetCurrentWeather to get the current weather at a location.",
		},
		fetcher: fetcher,
		baseURL: OpenMeteoURL,
	}
}

func (w *Weather) Requests() *schema.Descriptor {
	return schema.Union("WeatherRequest",
		schema.Variant[GetCurrentWeather]("GetCurrentWeather",
			schema.Field("latitude", schema.Double()).Doc("Latitude in decimal degrees."),
			schema.Field("longitude", schema.Double()).Doc("Longitude in decimal degrees."),
		).Doc("Get the current weather in a location."),
	)
}

func (w *Weather) EstimateCost(context.Context, *domain.ExecutionContext, WeatherRequest) domain.Cost {
	return domain.MinToolCost
}

type openMeteoResponse struct {
	Latitude     float64                    `json:"latitude"`
	Longitude    float64                    `json:"longitude"`
	CurrentUnits map[string]string          `json:"current_units"`
	Current      map[string]json.RawMessage `json:"current"`
}

func (w *Weather) Execute(ctx context.Context, _ *domain.ExecutionContext, req WeatherRequest) (domain.ToolResponse, error) {
	r, ok := req.(GetCurrentWeather)
	if !ok {
		return nil, errors.New("weather: unsupported request")
	}
	if r.Latitude < -90 || r.Latitude > 90 || r.Longitude < -180 || r.Longitude > 180 {
		return domain.InvalidInput{Message: "latitude must be within [-90, 90] and longitude within [-180, 180]"}, nil
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(r.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(r.Longitude, 'f', -1, 64))
	q.Set("current", strings.Join(weatherFields, ","))

	body, err := w.fetcher.Fetch(ctx, w.baseURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var resp openMeteoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("weather: decode response: %w", err)
	}

	out := map[string]any{
		"latitude":  resp.Latitude,
		"longitude": resp.Longitude,
	}
	for _, f := range weatherFields {
		v, ok := resp.Current[f]
		if !ok {
			continue
		}
		if f == "is_day" {
			out[f] = string(v) == "1"
			continue
		}
		out[f] = fmt.Sprintf("%s %s", v, resp.CurrentUnits[f])
	}
	return domain.SuccessWith(out, domain.MinToolCost), nil
}
