package config

import (
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr string
}

// Load reads the listen address from the environment, with a .env file as
// fallback source. The server has no other configuration.
func Load() Config {
	_ = godotenv.Load()

	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return Config{Addr: addr}
}
