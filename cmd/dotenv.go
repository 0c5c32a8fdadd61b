package cmd

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/vtonlabs/tryon/envconfig"
)

// LoadDotEnv folds ~/.tryon/.env into the environment and reloads the
// configuration. Variables already set in the environment win; a
// missing file is not an error.
func LoadDotEnv() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	envPath := filepath.Join(home, ".tryon", ".env")
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	if err := godotenv.Load(envPath); err != nil {
		return err
	}

	envconfig.LoadConfig()
	return nil
}
