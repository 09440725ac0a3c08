// Package config loads and validates the polling server configuration
// file and watches it for changes.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"pollserv/pkg/restauth"
)

// DefaultPingerSocket is the local socket name used when the
// configuration omits one.
const DefaultPingerSocket = "Pinger"

// Config holds the validated server configuration.
type Config struct {
	InboundAPIKey    []byte
	OutboundAPIKey   []byte
	DatabaseServer   string
	InboundPort      uint16
	ServerIdentifier string
	PingerSocket     string
	DefaultHeaders   map[string]string
}

type rawConfig struct {
	InboundAPIKey    string            `json:"inbound_api_key"`
	OutboundAPIKey   string            `json:"outbound_api_key"`
	DatabaseServer   string            `json:"database_server"`
	InboundPort      int               `json:"inbound_port"`
	ServerIdentifier string            `json:"server_identifier"`
	Pinger           string            `json:"pinger"`
	Headers          map[string]string `json:"headers"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read configuration file %s: %w", path, err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON formatted configuration file: %w", err)
	}

	inboundKey, err := decodeKey(raw.InboundAPIKey)
	if err != nil {
		return nil, fmt.Errorf("invalid inbound API key: %w", err)
	}

	outboundKey, err := decodeKey(raw.OutboundAPIKey)
	if err != nil {
		return nil, fmt.Errorf("invalid outbound API key: %w", err)
	}

	if raw.DatabaseServer == "" {
		return nil, fmt.Errorf("missing database server")
	}
	if _, err := url.ParseRequestURI(raw.DatabaseServer); err != nil {
		return nil, fmt.Errorf("invalid database server URL: %w", err)
	}

	if raw.InboundPort < 1 || raw.InboundPort > 0xFFFF {
		return nil, fmt.Errorf("invalid inbound port %d", raw.InboundPort)
	}

	if raw.ServerIdentifier == "" {
		return nil, fmt.Errorf("invalid server identifier")
	}

	pinger := raw.Pinger
	if pinger == "" {
		pinger = DefaultPingerSocket
	}

	headers := raw.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	return &Config{
		InboundAPIKey:    inboundKey,
		OutboundAPIKey:   outboundKey,
		DatabaseServer:   raw.DatabaseServer,
		InboundPort:      uint16(raw.InboundPort),
		ServerIdentifier: raw.ServerIdentifier,
		PingerSocket:     pinger,
		DefaultHeaders:   headers,
	}, nil
}

func decodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("not valid base64: %w", err)
	}
	if len(key) != restauth.SecretLength {
		return nil, fmt.Errorf("key must be %d bytes, got %d", restauth.SecretLength, len(key))
	}
	return key, nil
}

// Watch polls the file's modification time at the given interval and
// invokes onChange with a freshly loaded configuration whenever the file
// changes. Load errors are delivered to onError; the watcher keeps
// running so the caller decides whether the error is fatal. Watch returns
// a stop function.
func Watch(path string, interval time.Duration, onChange func(*Config), onError func(error)) func() {
	done := make(chan struct{})

	go func() {
		var lastModTime time.Time
		if info, err := os.Stat(path); err == nil {
			lastModTime = info.ModTime()
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				info, err := os.Stat(path)
				if err != nil {
					onError(fmt.Errorf("could not stat configuration file %s: %w", path, err))
					continue
				}
				if info.ModTime().Equal(lastModTime) {
					continue
				}
				lastModTime = info.ModTime()

				cfg, err := Load(path)
				if err != nil {
					onError(err)
					continue
				}
				onChange(cfg)
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}
