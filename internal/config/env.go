package config

import (
	"errors"
	"io/fs"
	"log"
	"path/filepath"

	"github.com/joho/godotenv"
)

const EnvFileName = ".env"

// LoadEnvFile reads KEY=value pairs from the .env file next to the config
// file (for example OPENAI_API_KEY). Variables already set in the
// environment win. A missing file is not an error.
func LoadEnvFile() (string, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return "", err
	}
	envPath := filepath.Join(filepath.Dir(configPath), EnvFileName)
	if err := godotenv.Load(envPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	log.Printf("Config: loaded environment from %s", envPath)
	return envPath, nil
}
