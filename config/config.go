package config

import (
	"github.com/Netflix/go-env"
)

type Config struct {
	SQLiteDirPath     string `env:"SQLITE_DIR_PATH,default=db"`
	PgDatabaseUrl     string `env:"DATABASE_URL"`
	RemoteURL         string `env:"REMOTE_URL,default=http://localhost:8080"`
	RealtimeURL       string `env:"REALTIME_URL,default=ws://localhost:8080"`
	HTTPListenAddress string `env:"HTTP_LISTEN_ADDRESS,default=0.0.0.0:8080"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
