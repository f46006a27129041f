package server

import "github.com/spf13/viper"

func GetServerDefault() BaseServerConfig {
	return BaseServerConfig{
		ShutdownTimeout: "10s",

		Log: LogServerConfig{
			Level:      "INFO",
			TimeFormat: "2006-01-02 15:04:05",
			File:       "",
			NoColor:    false,
			JSON:       false,
			NoTerminal: false,
			Rotation: LogServerRotationConfig{
				MaxSize:    128,
				MaxBackups: 5,
				MaxAge:     16,
				Compress:   false,
			},
		},

		Metadata: MetadataServerConfig{
			Type: "sqlite",
			SQLite: MetadataSQLiteConfig{
				Path:       "tantalus.db",
				LogQueries: false,
			},
		},

		Transfer: TransferServerConfig{
			MaxAttempts:     5,
			InitialBackoff:  "2s",
			MaxBackoff:      "2m",
			VerifySource:    true,
			SourcePolicy:    "site_affinity",
			WorkersPerQueue: 2,
			QueueBuffer:     64,
			RelayInterval:   "5s",
			RelayBatch:      100,
		},

		Storages: map[string]StorageCredentials{},
	}
}

func setDefaults() {
	defaults := GetServerDefault()

	viper.SetDefault("shutdown_timeout", defaults.ShutdownTimeout)

	viper.SetDefault("log.level", defaults.Log.Level)
	viper.SetDefault("log.time_format", defaults.Log.TimeFormat)
	viper.SetDefault("log.file", defaults.Log.File)
	viper.SetDefault("log.no_color", defaults.Log.NoColor)
	viper.SetDefault("log.json", defaults.Log.JSON)
	viper.SetDefault("log.no_terminal", defaults.Log.NoTerminal)
	viper.SetDefault("log.rotation.max_size", defaults.Log.Rotation.MaxSize)
	viper.SetDefault("log.rotation.max_backups", defaults.Log.Rotation.MaxBackups)
	viper.SetDefault("log.rotation.max_age", defaults.Log.Rotation.MaxAge)
	viper.SetDefault("log.rotation.compress", defaults.Log.Rotation.Compress)

	viper.SetDefault("metadata.type", defaults.Metadata.Type)
	viper.SetDefault("metadata.sqlite.path", defaults.Metadata.SQLite.Path)
	viper.SetDefault("metadata.sqlite.log_queries", defaults.Metadata.SQLite.LogQueries)

	viper.SetDefault("transfer.max_attempts", defaults.Transfer.MaxAttempts)
	viper.SetDefault("transfer.initial_backoff", defaults.Transfer.InitialBackoff)
	viper.SetDefault("transfer.max_backoff", defaults.Transfer.MaxBackoff)
	viper.SetDefault("transfer.verify_source", defaults.Transfer.VerifySource)
	viper.SetDefault("transfer.source_policy", defaults.Transfer.SourcePolicy)
	viper.SetDefault("transfer.workers_per_queue", defaults.Transfer.WorkersPerQueue)
	viper.SetDefault("transfer.queue_buffer", defaults.Transfer.QueueBuffer)
	viper.SetDefault("transfer.relay_interval", defaults.Transfer.RelayInterval)
	viper.SetDefault("transfer.relay_batch", defaults.Transfer.RelayBatch)
}
