package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the knobs shared by the cluster and room entrypoints.
// CLI flags override anything loaded from the environment.
type Config struct {
	Port             int    `env:"PORT"`
	LogLevel         string `env:"LOG_LEVEL"`
	ProjectName      string `env:"PROJECT_NAME"`
	Owner            string `env:"OWNER"`
	CatalogAddress   string `env:"CATALOG_ADDRESS"`
	CatalogInterval  int    `env:"CATALOG_INTERVAL"`
	MetricsAddr      string `env:"METRICS_ADDR"`
	UseUDP           bool   `env:"USE_UDP"`
	LogFile          string `env:"LOG_FILE"`
	ShutdownTimeout  int    `env:"SHUTDOWN_TIMEOUT"`
	RoomLogDirectory string `env:"ROOM_LOG_DIR"`
}

// Load loads configuration from the environment, reading a .env file first
// when one is present.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnvInt("PORT", 0),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		ProjectName:      getEnv("PROJECT_NAME", "game-server"),
		Owner:            getEnv("OWNER", "me"),
		CatalogAddress:   getEnv("CATALOG_ADDRESS", "catalog.cse.nd.edu:9097"),
		CatalogInterval:  getEnvInt("CATALOG_INTERVAL", 600),
		MetricsAddr:      getEnv("METRICS_ADDR", ""),
		UseUDP:           getEnvBool("USE_UDP", false),
		LogFile:          getEnv("LOG_FILE", ""),
		ShutdownTimeout:  getEnvInt("SHUTDOWN_TIMEOUT", 5),
		RoomLogDirectory: getEnv("ROOM_LOG_DIR", "."),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
