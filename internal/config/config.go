package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
)

// minSigningKeyLen is the HS256 key size.
const minSigningKeyLen = 32

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	// RedisAddr enables cross-node room fan-out when set
	RedisAddr string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func validateOrigin(origin string) error {
	u, err := url.Parse(origin)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" || (u.Path != "" && u.Path != "/") {
		return fmt.Errorf("origin must be scheme://host[:port]")
	}
	return nil
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string, redisAddr string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}
	if len(signingKey) < minSigningKeyLen {
		return nil, fmt.Errorf("signing secret must decode to at least %d bytes, got %d", minSigningKeyLen, len(signingKey))
	}

	for _, origin := range allowedOrigins {
		if err := validateOrigin(origin); err != nil {
			return nil, fmt.Errorf("allowed origin %q: %w", origin, err)
		}
	}

	if redisAddr != "" {
		if _, _, err := net.SplitHostPort(redisAddr); err != nil {
			return nil, fmt.Errorf("redis address: %w", err)
		}
	}

	return &Config{
		DatabaseDSN:    databaseDSN,
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		RedisAddr:      redisAddr,
	}, nil
}
