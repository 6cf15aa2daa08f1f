package config

import (
	"errors"
	"time"

	"github.com/Netflix/go-env"
	"github.com/rs/zerolog"
)

var ErrMissingDBURI = errors.New("please define DB_URI in the environment")

type Config struct {
	DBURI                 string        `env:"DB_URI"`
	DBName                string        `env:"DB_NAME,default=test-project"`
	SourceCollection      string        `env:"SOURCE_COLLECTION,default=customers"`
	DestinationCollection string        `env:"DESTINATION_COLLECTION,default=customers_anonymised"`
	PgDatabaseUrl         string        `env:"DATABASE_URL"`
	SQLiteFile            string        `env:"SQLITE_FILE"`
	FlushInterval         time.Duration `env:"FLUSH_INTERVAL,default=1s"`
	FlushThreshold        int           `env:"FLUSH_THRESHOLD,default=1000"`
	WriteRetryAttempts    int           `env:"WRITE_RETRY_ATTEMPTS,default=5"`
	WriteRetryDelay       time.Duration `env:"WRITE_RETRY_DELAY,default=200ms"`
	ResubscribeAttempts   int           `env:"RESUBSCRIBE_ATTEMPTS,default=10"`
	ResubscribeDelay      time.Duration `env:"RESUBSCRIBE_DELAY,default=1s"`
	MaxDrainPasses        int           `env:"MAX_DRAIN_PASSES,default=100"`
	MaxDrainDuration      time.Duration `env:"MAX_DRAIN_DURATION,default=1h"`
	MetricsListenAddress  string        `env:"METRICS_LISTEN_ADDRESS"`
	LogLevel              string        `env:"LOG_LEVEL,default=info"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	if config.DBURI == "" {
		return nil, ErrMissingDBURI
	}
	if _, err := zerolog.ParseLevel(config.LogLevel); err != nil {
		return nil, err
	}

	return &config, nil
}

// Level returns the configured log level, info when unset.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
