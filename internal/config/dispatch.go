package config

import "time"

// DispatchConfig holds the knobs of the helper dispatch engine. The response
// deadline and the store retry bounds are deliberately configuration, not
// business rules baked into the engine.
type DispatchConfig struct {
	ResponseDeadline  time.Duration `yaml:"response_deadline"`
	StoreMaxRetries   int           `yaml:"store_max_retries"`
	StoreRetryBackoff time.Duration `yaml:"store_retry_backoff"`
	SearchRadiusKM    float64       `yaml:"search_radius_km"`
	MaxCandidates     int           `yaml:"max_candidates"`
	SessionRetention  time.Duration `yaml:"session_retention"`
}

func loadDispatchConfig() *DispatchConfig {
	return &DispatchConfig{
		ResponseDeadline:  getEnvAsDuration("DISPATCH_RESPONSE_DEADLINE", 30*time.Second),
		StoreMaxRetries:   getEnvAsInt("DISPATCH_STORE_MAX_RETRIES", 3),
		StoreRetryBackoff: getEnvAsDuration("DISPATCH_STORE_RETRY_BACKOFF", 2*time.Second),
		SearchRadiusKM:    getEnvAsFloat64("DISPATCH_SEARCH_RADIUS_KM", 5.0),
		MaxCandidates:     getEnvAsInt("DISPATCH_MAX_CANDIDATES", 10),
		SessionRetention:  getEnvAsDuration("DISPATCH_SESSION_RETENTION", 10*time.Minute),
	}
}
