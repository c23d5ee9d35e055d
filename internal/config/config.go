// Package config loads and hot-reloads the polling server's JSON
// configuration file (spec.md §6). Loading follows the teacher repo's
// config.Load shape (env/file loading with sensible defaults); reload
// watching is layered on with fsnotify, and an invalid reload is fatal
// per spec.md §7 rule 5.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"pollingserver/internal/pollog"
)

// Config is the validated, decoded form of the configuration file.
type Config struct {
	InboundAPIKey   []byte
	OutboundAPIKey  []byte
	DatabaseServer  string
	InboundPort     int
	ServerIdentifier string
	Headers         map[string]string
	Pinger          string
}

// raw mirrors the on-disk JSON schema from spec.md §6 before validation.
type raw struct {
	InboundAPIKey    string            `json:"inbound_api_key"`
	OutboundAPIKey   string            `json:"outbound_api_key"`
	DatabaseServer   string            `json:"database_server"`
	InboundPort      int               `json:"inbound_port"`
	ServerIdentifier string            `json:"server_identifier"`
	Headers          map[string]string `json:"headers"`
	Pinger           string            `json:"pinger"`
}

// Load reads and validates the configuration file at path. A local .env
// file (if present in the working directory) is merged into the process
// environment first via godotenv, mirroring the teacher's convenience
// pattern for supplying secrets outside of version control; any
// POLLINGSERVER_DATABASE_SERVER / POLLINGSERVER_PINGER env vars override
// the corresponding JSON fields, which is handy for container deployments
// that keep the config file identical across environments.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if v := os.Getenv("POLLINGSERVER_DATABASE_SERVER"); v != "" {
		r.DatabaseServer = v
	}
	if v := os.Getenv("POLLINGSERVER_PINGER"); v != "" {
		r.Pinger = v
	}

	return validate(r)
}

func validate(r raw) (*Config, error) {
	inboundKey, err := decodeKey(r.InboundAPIKey, "inbound_api_key")
	if err != nil {
		return nil, err
	}
	outboundKey, err := decodeKey(r.OutboundAPIKey, "outbound_api_key")
	if err != nil {
		return nil, err
	}
	if r.DatabaseServer == "" {
		return nil, fmt.Errorf("config: database_server is required")
	}
	if r.InboundPort < 1 || r.InboundPort > 65535 {
		return nil, fmt.Errorf("config: inbound_port must be in [1,65535], got %d", r.InboundPort)
	}

	identifier := r.ServerIdentifier
	if identifier == "" {
		identifier = "ps-" + uuid.NewString()
	}

	headers := r.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	return &Config{
		InboundAPIKey:    inboundKey,
		OutboundAPIKey:   outboundKey,
		DatabaseServer:   r.DatabaseServer,
		InboundPort:      r.InboundPort,
		ServerIdentifier: identifier,
		Headers:          headers,
		Pinger:           r.Pinger,
	}, nil
}

func decodeKey(encoded, field string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("config: %s is required", field)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("config: %s is not valid base64: %w", field, err)
	}
	if len(key) != 56 {
		return nil, fmt.Errorf("config: %s must decode to 56 bytes, got %d", field, len(key))
	}
	return key, nil
}

// Watcher watches the configuration file for modifications and invokes
// onReload with the freshly loaded Config. An invalid reload is fatal
// (process exit code 1), matching spec.md §7 rule 5; the watch loop itself
// never returns a recoverable error to its caller.
type Watcher struct {
	path   string
	logger *pollog.Logger
	watch  *fsnotify.Watcher
	done   chan struct{}
}

// NewWatcher starts watching path for modification events.
func NewWatcher(path string, logger *pollog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	return &Watcher{path: path, logger: logger, watch: w, done: make(chan struct{})}, nil
}

// Run blocks, calling onReload for every write/create event on the
// watched file (debounced by a short settle delay to absorb editors that
// perform write+rename). It returns when Close is called.
func (w *Watcher) Run(onReload func(*Config)) {
	var debounce *time.Timer
	for {
		select {
		case ev, ok := <-w.watch.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				cfg, err := Load(w.path)
				if err != nil {
					w.logger.Fatal("invalid configuration reload: %v", err)
					return
				}
				onReload(cfg)
			})
		case err, ok := <-w.watch.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watch.Close()
}
