package server

// StorageCredentials holds the secrets needed to reach one named storage.
// Storage locations themselves are recorded in the metadata store; only
// credentials are kept in configuration.
type StorageCredentials struct {
	// azure_blob
	AccountKey string `mapstructure:"account_key" yaml:"account_key,omitempty"`
	// s3
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	UseSSL    bool   `mapstructure:"use_ssl"    yaml:"use_ssl,omitempty"`
	Region    string `mapstructure:"region"     yaml:"region,omitempty"`
}
