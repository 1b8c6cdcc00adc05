// Package weather fetches the current outdoor temperature for a location and
// caches it so the pump loop does not hit the provider every cycle.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// DefaultTTL bounds how long a fetched temperature is reused.
const DefaultTTL = 30 * time.Minute

// Source returns the current temperature in °C for a location string.
type Source interface {
	CurrentTemperature(ctx context.Context, location string) (float64, error)
}

// Config holds provider settings.
type Config struct {
	BaseURL string // OpenWeatherMap current weather endpoint
	APIKey  string
	Timeout time.Duration
}

// DefaultConfig returns the OpenWeatherMap endpoint.
func DefaultConfig() Config {
	return Config{
		BaseURL: "https://api.openweathermap.org/data/2.5/weather",
		Timeout: 15 * time.Second,
	}
}

// Client queries the OpenWeatherMap current weather API.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a provider client.
func NewClient(config Config) *Client {
	return &Client{config: config, httpClient: &http.Client{Timeout: config.Timeout}}
}

type currentWeather struct {
	Main struct {
		Temp *float64 `json:"temp"`
	} `json:"main"`
	Message string `json:"message"`
}

// CurrentTemperature returns the metric temperature at location.
func (c *Client) CurrentTemperature(ctx context.Context, location string) (float64, error) {
	q := url.Values{}
	q.Set("q", location)
	q.Set("units", "metric")
	q.Set("appid", c.config.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read body: %w", err)
	}
	var w currentWeather
	if err := json.Unmarshal(body, &w); err != nil {
		return 0, fmt.Errorf("decode weather: %w", err)
	}
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("weather API error %d: %s", resp.StatusCode, w.Message)
	}
	if w.Main.Temp == nil {
		return 0, fmt.Errorf("weather for %q has no temperature", location)
	}
	return *w.Main.Temp, nil
}

type entry struct {
	temp      float64
	fetchedAt time.Time
}

// Cache wraps a Source and reuses each location's answer for TTL.
type Cache struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

// NewCache wraps source. A non-positive ttl uses DefaultTTL.
func NewCache(source Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{source: source, ttl: ttl, now: time.Now, entries: make(map[string]entry)}
}

// CurrentTemperature returns the cached value when fresh and fetches otherwise.
// The lock is not held while the provider is called.
func (c *Cache) CurrentTemperature(ctx context.Context, location string) (float64, error) {
	now := c.now()
	c.mu.Lock()
	e, ok := c.entries[location]
	c.mu.Unlock()
	if ok && now.Sub(e.fetchedAt) < c.ttl {
		return e.temp, nil
	}

	temp, err := c.source.CurrentTemperature(ctx, location)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.entries[location] = entry{temp: temp, fetchedAt: now}
	c.mu.Unlock()
	slog.Debug("Weather.Cache: refreshed", "location", location, "temp", temp)
	return temp, nil
}
