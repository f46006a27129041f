package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	envFiles   = []string{".env", ".env.local"}
	configDirs = []string{".", "./config", "/etc/tantalus", "$HOME/.tantalus"}
)

// loadEnvFiles loads every .env file found in dirs. Missing files are ignored
// and variables that are already set are never overwritten.
func loadEnvFiles(dirs ...string) {
	for _, dir := range dirs {
		for _, name := range envFiles {
			_ = godotenv.Load(filepath.Join(dir, name))
		}
	}
}

func initConfig(path string) error {
	if path != "" {
		loadEnvFiles(".", filepath.Dir(path))
		viper.SetConfigFile(path)
	} else {
		loadEnvFiles(configDirs...)
		viper.SetConfigName("tantalus")
		viper.SetConfigType("yaml")
		for _, dir := range configDirs {
			viper.AddConfigPath(dir)
		}
	}

	// TANTALUS_TRANSFER_MAX_ATTEMPTS overrides transfer.max_attempts
	viper.SetEnvPrefix("TANTALUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}
