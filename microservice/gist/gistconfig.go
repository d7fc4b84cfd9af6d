package gist

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/EphemeralEpoch/smart-book-gist/microservice"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/groq"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the complete runtime configuration of the gist service. All
// environment reads happen in NewConfig; the rest of the service only sees
// this struct.
type Config struct {
	microservice.BaseConfig
	Groq groq.Config

	// DefaultTemperature and DefaultMaxTokens apply when a request omits
	// them.
	DefaultTemperature float64
	DefaultMaxTokens   int
}

// NewConfig loads .env when present, then resolves flags and environment
// variables. GROQ_API_KEY is required; there is no useful degraded mode
// without it.
func NewConfig(args []string) (*Config, error) {
	// Missing .env is fine; Cloud Run injects everything through real env
	// vars.
	_ = godotenv.Load()

	cfg := &Config{
		BaseConfig: microservice.BaseConfig{
			LogLevel: "info",
			HTTPPort: ":8080",
		},
		DefaultTemperature: 0.2,
		DefaultMaxTokens:   800,
	}

	fs := flag.NewFlagSet("gist", flag.ContinueOnError)
	fs.StringVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "HTTP listen port for the gist service")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ProjectID = os.Getenv("PROJECT_ID")

	cfg.Groq = groq.Config{
		APIKey:  os.Getenv("GROQ_API_KEY"),
		Model:   os.Getenv("GROQ_MODEL"),
		Timeout: 30 * time.Second,
	}
	if url := os.Getenv("GROQ_API_URL"); url != "" {
		cfg.Groq.APIURL = url
	}
	if cfg.Groq.APIKey == "" {
		return nil, fmt.Errorf("GROQ_API_KEY not set; put your key in .env or the service environment")
	}

	// Cloud Run's PORT variable takes highest precedence.
	if port := os.Getenv("PORT"); port != "" {
		newPort := ":" + port
		log.Info().Str("old_http_port", cfg.HTTPPort).Str("new_http_port", newPort).
			Msg("Overriding HTTP port with Cloud Run PORT environment variable.")
		cfg.HTTPPort = newPort
	}

	return cfg, nil
}
