package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/docintake/internal/flagx"
	"github.com/dmitrijs2005/docintake/internal/timex"
)

// JsonConfig is the on-disk shape of the server configuration. Durations
// use timex.Duration so both "15m" and integer nanoseconds are accepted.
// Absent fields keep the value already present in Config.
type JsonConfig struct {
	EndpointAddrHTTP *string         `json:"endpoint_addr_http"`
	EndpointAddrGRPC *string         `json:"endpoint_addr_grpc"`
	DatabaseDSN      *string         `json:"database_dsn"`
	SecretKey        *string         `json:"secret_key"`
	IntentSecretKey  *string         `json:"intent_secret_key"`
	CallbackSecret   *string         `json:"callback_secret"`
	CallbackBaseURL  *string         `json:"callback_base_url"`
	S3RootUser       *string         `json:"s3_root_user"`
	S3RootPassword   *string         `json:"s3_root_password"`
	S3Bucket         *string         `json:"s3_bucket"`
	S3Region         *string         `json:"s3_region"`
	S3BaseEndpoint   *string         `json:"s3_base_endpoint"`
	PresignTTL       *timex.Duration `json:"presign_ttl"`
	IntentTTL        *timex.Duration `json:"intent_ttl"`
	MaxFilesPerBatch *int            `json:"max_files_per_batch"`
	MaxFileBytes     *int64          `json:"max_file_bytes"`
	MaxBatchBytes    *int64          `json:"max_batch_bytes"`
	DedupScope       *string         `json:"dedup_scope"`
	LogLevel         *string         `json:"log_level"`
}

// parseJson loads configuration values from the JSON file named by -c/-config
// (or $DOCINTAKE_CONFIG) into config. No path means nothing to load.
// An unreadable file or invalid JSON panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	c.apply(config)
}

func (c *JsonConfig) apply(config *Config) {
	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.IntentSecretKey, c.IntentSecretKey)
	setString(&config.CallbackSecret, c.CallbackSecret)
	setString(&config.CallbackBaseURL, c.CallbackBaseURL)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.DedupScope, c.DedupScope)
	setString(&config.LogLevel, c.LogLevel)

	if c.PresignTTL != nil {
		config.PresignTTL = c.PresignTTL.Duration
	}
	if c.IntentTTL != nil {
		config.IntentTTL = c.IntentTTL.Duration
	}
	if c.MaxFilesPerBatch != nil {
		config.MaxFilesPerBatch = *c.MaxFilesPerBatch
	}
	if c.MaxFileBytes != nil {
		config.MaxFileBytes = *c.MaxFileBytes
	}
	if c.MaxBatchBytes != nil {
		config.MaxBatchBytes = *c.MaxBatchBytes
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
