package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/docintake/internal/flagx"
)

var serverFlags = []string{
	"-a", "-m", "-d", "-s", "-i", "-k", "-w",
	"-u", "-p", "-b", "-g", "-e",
	"-t", "-x", "-n", "-f", "-z", "-q", "-l",
}

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-m string   gRPC health bind address (e.g., ":50051")
//	-d string   PostgreSQL DSN
//	-s string   access JWT HMAC secret
//	-i string   upload intent HMAC secret
//	-k string   pipeline callback shared secret
//	-w string   callback base URL
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint
//	-t int      presigned URL lifetime, minutes
//	-x int      intent token lifetime, minutes
//	-n int      max files per batch
//	-f int      max bytes per file
//	-z int      max bytes per batch
//	-q string   dedup scope ("owner" or "global")
//	-l string   log level
//
// Duration flags are accepted as integers in minutes.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], serverFlags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "HTTP address and port")
	fs.StringVar(&config.EndpointAddrGRPC, "m", config.EndpointAddrGRPC, "gRPC health address and port")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "access token secret key")
	fs.StringVar(&config.IntentSecretKey, "i", config.IntentSecretKey, "upload intent secret key")
	fs.StringVar(&config.CallbackSecret, "k", config.CallbackSecret, "pipeline callback secret")
	fs.StringVar(&config.CallbackBaseURL, "w", config.CallbackBaseURL, "pipeline callback base URL")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	presignTTL := fs.Int("t", int(config.PresignTTL.Minutes()), "presigned URL lifetime (in minutes)")
	intentTTL := fs.Int("x", int(config.IntentTTL.Minutes()), "upload intent lifetime (in minutes)")

	fs.IntVar(&config.MaxFilesPerBatch, "n", config.MaxFilesPerBatch, "max files per batch")
	fs.Int64Var(&config.MaxFileBytes, "f", config.MaxFileBytes, "max bytes per file")
	fs.Int64Var(&config.MaxBatchBytes, "z", config.MaxBatchBytes, "max bytes per batch")
	fs.StringVar(&config.DedupScope, "q", config.DedupScope, "dedup scope: owner or global")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.PresignTTL = time.Duration(*presignTTL) * time.Minute
	config.IntentTTL = time.Duration(*intentTTL) * time.Minute
}
