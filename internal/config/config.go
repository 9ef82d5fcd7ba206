package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/firedesk/backend/internal/models"
)

type Config struct {
	Env             string        `mapstructure:"ENV"`
	Port            string        `mapstructure:"PORT"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	AdminKey        string        `mapstructure:"ADMIN_KEY"`
	CORSAllowed     string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	MaxUploadSizeMB int64         `mapstructure:"MAX_UPLOAD_MB"`

	// Hex-encoded 32-byte key for PII bindings at rest.
	EncryptionKeyHex string `mapstructure:"ENCRYPTION_KEY"`

	LLMBaseURL string `mapstructure:"LLM_BASE_URL"`
	LLMAPIKey  string `mapstructure:"LLM_API_KEY"`
	LLMModel   string `mapstructure:"LLM_MODEL"`

	TwoGISAPIKey     string `mapstructure:"TWOGIS_API_KEY"`
	NominatimBaseURL string `mapstructure:"NOMINATIM_BASE_URL"`

	SpamClassifierURL string `mapstructure:"SPAM_CLASSIFIER_URL"`

	Policies Policies `mapstructure:",squash"`
}

// Policies is the per-run tuning surface (C10): stage concurrency
// ceilings, retry budgets, timeouts, scoring weights and tables,
// relaxation order, difficulty weights, expansion countries. Loaded once
// at startup and treated as immutable for the life of a batch.
type Policies struct {
	LLMConcurrency     int64 `mapstructure:"LLM_CONCURRENCY"`
	GeocodeConcurrency int64 `mapstructure:"GEOCODE_CONCURRENCY"`
	SpamLLMConcurrency int64 `mapstructure:"SPAM_LLM_CONCURRENCY"`

	RetryBudget int `mapstructure:"STAGE_RETRY_BUDGET"`

	LLMTimeout       time.Duration `mapstructure:"LLM_TIMEOUT"`
	GeocodeTimeout   time.Duration `mapstructure:"GEOCODE_TIMEOUT"`
	SpamLLMTimeout   time.Duration `mapstructure:"SPAM_LLM_TIMEOUT"`
	DBWriteTimeout   time.Duration `mapstructure:"DB_WRITE_TIMEOUT"`
	LLMWallClock     time.Duration `mapstructure:"LLM_WALL_CLOCK"`
	GeocodeWallClock time.Duration `mapstructure:"GEOCODE_WALL_CLOCK"`
	SpamWallClock    time.Duration `mapstructure:"SPAM_WALL_CLOCK"`

	WeightSegment   float64 `mapstructure:"WEIGHT_SEGMENT"`
	WeightType      float64 `mapstructure:"WEIGHT_TYPE"`
	WeightSentiment float64 `mapstructure:"WEIGHT_SENTIMENT"`
	WeightAge       float64 `mapstructure:"WEIGHT_AGE"`
	WeightRepeat    float64 `mapstructure:"WEIGHT_REPEAT"`

	SpamThreshold float64 `mapstructure:"SPAM_THRESHOLD"`

	// Comma-separated in the environment.
	ExpansionCountriesRaw string `mapstructure:"EXPANSION_COUNTRIES"`
	HomeCountry           string `mapstructure:"HOME_COUNTRY"`

	// Last-resort coordinates used when every geocode provider fails.
	FallbackLat float64 `mapstructure:"GEO_FALLBACK_LAT"`
	FallbackLon float64 `mapstructure:"GEO_FALLBACK_LON"`

	// Populated from the raw fields after unmarshalling.
	ExpansionCountries map[string]bool    `mapstructure:"-"`
	SegmentScores      map[models.Segment]float64    `mapstructure:"-"`
	TypeScores         map[models.TicketType]float64 `mapstructure:"-"`
	SentimentScores    map[models.Sentiment]float64  `mapstructure:"-"`
	DifficultyWeights  map[models.TicketType]int     `mapstructure:"-"`
	RelaxationOrder    []string                      `mapstructure:"-"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("MAX_UPLOAD_MB", 50)
	v.SetDefault("NOMINATIM_BASE_URL", "https://nominatim.openstreetmap.org")
	v.SetDefault("LLM_BASE_URL", "https://openrouter.ai/api/v1")
	v.SetDefault("LLM_MODEL", "google/gemini-2.0-flash-001")

	v.SetDefault("LLM_CONCURRENCY", 5)
	v.SetDefault("GEOCODE_CONCURRENCY", 10)
	v.SetDefault("SPAM_LLM_CONCURRENCY", 3)
	v.SetDefault("STAGE_RETRY_BUDGET", 2)
	v.SetDefault("LLM_TIMEOUT", "20s")
	v.SetDefault("GEOCODE_TIMEOUT", "5s")
	v.SetDefault("SPAM_LLM_TIMEOUT", "10s")
	v.SetDefault("DB_WRITE_TIMEOUT", "2s")
	v.SetDefault("LLM_WALL_CLOCK", "60s")
	v.SetDefault("GEOCODE_WALL_CLOCK", "15s")
	v.SetDefault("SPAM_WALL_CLOCK", "30s")
	v.SetDefault("WEIGHT_SEGMENT", 0.30)
	v.SetDefault("WEIGHT_TYPE", 0.25)
	v.SetDefault("WEIGHT_SENTIMENT", 0.15)
	v.SetDefault("WEIGHT_AGE", 0.10)
	v.SetDefault("WEIGHT_REPEAT", 0.07)
	v.SetDefault("SPAM_THRESHOLD", 0.50)
	v.SetDefault("EXPANSION_COUNTRIES", "Узбекистан,Кыргызстан,Азербайджан")
	v.SetDefault("HOME_COUNTRY", "Казахстан")
	v.SetDefault("GEO_FALLBACK_LAT", 51.1694)
	v.SetDefault("GEO_FALLBACK_LON", 71.4491)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.EncryptionKeyHex == "" {
		return Config{}, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if _, err := cfg.EncryptionKey(); err != nil {
		return Config{}, err
	}

	cfg.Policies.finish()
	return cfg, nil
}

// EncryptionKey decodes the hex key and checks its length.
func (c Config) EncryptionKey() ([]byte, error) {
	key, err := hex.DecodeString(c.EncryptionKeyHex)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (p *Policies) finish() {
	p.ExpansionCountries = map[string]bool{}
	for _, c := range strings.Split(p.ExpansionCountriesRaw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			p.ExpansionCountries[c] = true
		}
	}

	p.SegmentScores = map[models.Segment]float64{
		models.SegmentVIP:      1.0,
		models.SegmentPriority: 0.66,
		models.SegmentMass:     0.25,
	}
	p.TypeScores = map[models.TicketType]float64{
		models.TypeFraud:        1.0,
		models.TypeOutage:       0.9,
		models.TypeClaim:        0.7,
		models.TypeDataChange:   0.6,
		models.TypeComplaint:    0.5,
		models.TypeConsultation: 0.2,
		models.TypeSpam:         0,
	}
	p.SentimentScores = map[models.Sentiment]float64{
		models.SentimentNegative: 1.0,
		models.SentimentNeutral:  0.4,
		models.SentimentPositive: 0.1,
	}
	p.DifficultyWeights = map[models.TicketType]int{
		models.TypeFraud:        1,
		models.TypeClaim:        1,
		models.TypeComplaint:    1,
		models.TypeOutage:       1,
		models.TypeDataChange:   1,
		models.TypeConsultation: 1,
	}
	p.RelaxationOrder = []string{"language", "position", "VIP"}
}

// Defaults returns the policy set used when no environment is loaded.
// Tests and the mock wiring depend on it.
func Defaults() Policies {
	p := Policies{
		LLMConcurrency:        5,
		GeocodeConcurrency:    10,
		SpamLLMConcurrency:    3,
		RetryBudget:           2,
		LLMTimeout:            20 * time.Second,
		GeocodeTimeout:        5 * time.Second,
		SpamLLMTimeout:        10 * time.Second,
		DBWriteTimeout:        2 * time.Second,
		LLMWallClock:          60 * time.Second,
		GeocodeWallClock:      15 * time.Second,
		SpamWallClock:         30 * time.Second,
		WeightSegment:         0.30,
		WeightType:            0.25,
		WeightSentiment:       0.15,
		WeightAge:             0.10,
		WeightRepeat:          0.07,
		SpamThreshold:         0.50,
		ExpansionCountriesRaw: "Узбекистан,Кыргызстан,Азербайджан",
		HomeCountry:           "Казахстан",
		FallbackLat:           51.1694,
		FallbackLon:           71.4491,
	}
	p.finish()
	return p
}
