package config

import (
	"github.com/spf13/pflag"
)

// RegisterFlags registers the command line flags that can override
// configuration file values.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Int("grpc-port", 0, "gRPC listener port")
	fs.Int("http-port", 0, "HTTP listener port")
	fs.String("trust-domain", "", "trust domain session credentials are issued for")
	fs.String("issuer-url", "", "issuer URL for session credentials")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (json, text)")
}

// GetFlagMapping maps flag names to their configuration keys so flag values
// land in the same place file and environment values do.
func GetFlagMapping() map[string]string {
	return map[string]string{
		"grpc-port":    "server.grpc_port",
		"http-port":    "server.http_port",
		"trust-domain": "trust_domain",
		"issuer-url":   "issuer_url",
		"log-level":    "observability.log_level",
		"log-format":   "observability.log_format",
	}
}
