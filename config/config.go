package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `validate:"required"`
	Environment    string   `validate:"required,oneof=development production test"`
	AllowedOrigins []string `validate:"required,min=1"`
	JWTSecret      string   `validate:"required"`
	LogLevel       string   `validate:"required,oneof=debug info warn error"`
	LogFile        string
	Redis          RedisConfig
	Relay          RelayConfig
	ICE            ICEConfig
	Interview      InterviewConfig
}

type RedisConfig struct {
	Host     string `validate:"required"`
	Port     string `validate:"required"`
	Password string
	DB       int `validate:"gte=0"`
}

// RelayConfig locates the signaling/STT backend used by peers.
type RelayConfig struct {
	BaseURL string `validate:"required"`
}

// ICEConfig is the traversal credential surface: a credential service
// (Metered style domain + key), an optional static TURN triple, and a
// relay-only diagnostic switch.
type ICEConfig struct {
	CredentialDomain string
	CredentialAPIKey string
	TURNURLs         []string
	TURNUsername     string
	TURNPassword     string
	ForceRelay       bool
	CredentialTTL    time.Duration `validate:"gt=0"`
}

type InterviewConfig struct {
	RoomID            string `validate:"required"`
	SessionID         string
	STTChunkInterval  time.Duration `validate:"gt=0"`
	OfferDelay        time.Duration `validate:"gt=0"`
	InitiatorFallback time.Duration `validate:"gt=0"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.AddConfigPath(".")
	v.SetConfigName(".env")
	v.SetConfigType("env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		log.Printf("env path %v", path)
		v.SetConfigFile(path)
	}
	v.AutomaticEnv()
	setDefault(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Port:           v.GetString("PORT"),
		Environment:    v.GetString("ENVIRONMENT"),
		AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),
		JWTSecret:      v.GetString("JWT_SECRET"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		LogFile:        v.GetString("LOG_FILE"),
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetString("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Relay: RelayConfig{
			BaseURL: strings.TrimSpace(v.GetString("API_URL")),
		},
		ICE: ICEConfig{
			CredentialDomain: v.GetString("METERED_DOMAIN"),
			CredentialAPIKey: v.GetString("METERED_API_KEY"),
			TURNURLs:         splitList(v.GetString("TURN_URLS")),
			TURNUsername:     v.GetString("TURN_USERNAME"),
			TURNPassword:     v.GetString("TURN_PASSWORD"),
			ForceRelay:       v.GetBool("FORCE_TURN_RELAY"),
			CredentialTTL:    v.GetDuration("ICE_CREDENTIAL_TTL"),
		},
		Interview: InterviewConfig{
			RoomID:            v.GetString("ROOM_ID"),
			SessionID:         v.GetString("SESSION_ID"),
			STTChunkInterval:  v.GetDuration("STT_CHUNK_INTERVAL"),
			OfferDelay:        v.GetDuration("OFFER_DELAY"),
			InitiatorFallback: v.GetDuration("INITIATOR_FALLBACK"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("JWT_SECRET", "change-me-in-production")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("API_URL", "http://localhost:8080")

	v.SetDefault("METERED_DOMAIN", "")
	v.SetDefault("METERED_API_KEY", "")
	v.SetDefault("TURN_URLS", "")
	v.SetDefault("TURN_USERNAME", "")
	v.SetDefault("TURN_PASSWORD", "")
	v.SetDefault("FORCE_TURN_RELAY", false)
	v.SetDefault("ICE_CREDENTIAL_TTL", 5*time.Minute)

	v.SetDefault("ROOM_ID", "interview-room-1")
	v.SetDefault("SESSION_ID", "")
	v.SetDefault("STT_CHUNK_INTERVAL", 3*time.Second)
	v.SetDefault("OFFER_DELAY", 500*time.Millisecond)
	v.SetDefault("INITIATOR_FALLBACK", 10*time.Second)
}

// IsProduction reports whether the relay runs in release mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// HasStaticTURN reports whether the full TURN URL/username/password triple is set.
func (c ICEConfig) HasStaticTURN() bool {
	return len(c.TURNURLs) > 0 && c.TURNUsername != "" && c.TURNPassword != ""
}

// Parse comma-separated values, dropping blanks
func splitList(s string) []string {
	parts := lo.Map(strings.Split(s, ","), func(p string, _ int) string {
		return strings.TrimSpace(p)
	})
	return lo.Compact(parts)
}
