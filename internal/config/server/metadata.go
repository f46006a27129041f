package server

// MetadataServerConfig selects and configures the metadata store.
// Only "sqlite" is supported.
type MetadataServerConfig struct {
	Type   string               `mapstructure:"type"   yaml:"type"`
	SQLite MetadataSQLiteConfig `mapstructure:"sqlite" yaml:"sqlite"`
}

type MetadataSQLiteConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
	// LogQueries prints every SQL statement through the gorm logger.
	LogQueries bool `mapstructure:"log_queries" yaml:"log_queries"`
}
