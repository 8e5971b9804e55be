package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// envOverrides are read after the file so deployments can override it
// without editing YAML.
type envOverrides struct {
	Port           int    `env:"SOVEREIGN_PORT,strict"`
	LogLevel       string `env:"SOVEREIGN_LOG_LEVEL"`
	TransportURL   string `env:"SOVEREIGN_TRANSPORT_URL"`
	TransportToken string `env:"SOVEREIGN_TRANSPORT_TOKEN"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Loader reads, validates and watches the config file.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
	logger    *slog.Logger
}

// NewLoader returns a loader holding DefaultConfig with env overrides applied.
func NewLoader() *Loader {
	cfg := DefaultConfig()
	_ = applyEnv(cfg)
	return &Loader{
		cfg:    cfg,
		logger: slog.Default().With("component", "config.Loader"),
	}
}

// SetLogger replaces the loader's logger.
func (l *Loader) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	l.mu.Lock()
	l.logger = logger.With("component", "config.Loader")
	l.mu.Unlock()
}

// Load parses the file at path on top of the defaults. The loaded config only
// replaces the current one if it validates.
func (l *Loader) Load(path string) error {
	cfg, err := parseFile(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the file passed to the last successful Load.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()

	if path == "" {
		return errors.New("no config file loaded")
	}
	return l.Load(path)
}

// Get returns a copy of the current config.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c := *l.cfg
	return &c
}

// FilePath returns the path of the loaded file, or "" when running on defaults.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv overlays SOVEREIGN_* variables onto cfg.
func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("failed to decode environment overrides: %w", err)
	}

	if env.Port != 0 {
		cfg.Server.Port = env.Port
	}
	if env.LogLevel != "" {
		cfg.Server.LogLevel = env.LogLevel
	}
	if env.TransportURL != "" {
		cfg.Transport.URL = env.TransportURL
		cfg.Transport.Enabled = true
	}
	if env.TransportToken != "" {
		cfg.Transport.Token = env.TransportToken
	}
	return nil
}

// substituteEnvVars expands ${VAR} and ${VAR:-default} references.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(parts[1]); ok && v != "" {
			return v
		}
		if strings.Contains(match, ":-") {
			return parts[2]
		}
		return ""
	})
}

// FindConfigFile returns the first config file that exists: the explicit
// path, ./sovereign.yaml, then ~/.config/sovereign/config.yaml.
func FindConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	candidates := []string{"sovereign.yaml", "sovereign.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "sovereign", "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// GenerateDefault writes the default config as YAML to path.
func GenerateDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	header := "# sovereign configuration\n# Environment references like ${VAR} or ${VAR:-default} are expanded on load.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// Watch reloads the config whenever the loaded file changes and passes the
// new config to onReload. Invalid edits are logged and ignored. Call StopWatch
// to clean up.
func (l *Loader) Watch(onReload func(*Config)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.filePath == "" {
		return errors.New("no config file loaded")
	}
	if l.watcher != nil {
		l.stopWatchLocked()
	}

	absPath, err := filepath.Abs(l.filePath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory so editors that rename-and-replace are caught.
	dir := filepath.Dir(absPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})
	go l.watchLoop(w, l.watchDone, absPath, onReload)

	l.logger.Info("watching config for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher, done chan struct{}, targetPath string, onReload func(*Config)) {
	defer close(done)

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := l.Reload(); err != nil {
				l.logger.Error("config reload failed, keeping previous config", "path", targetPath, "error", err)
				continue
			}
			l.logger.Info("config reloaded", "path", targetPath)
			if onReload != nil {
				onReload(l.Get())
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the config watcher, if running.
func (l *Loader) StopWatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher == nil {
		return
	}
	_ = l.watcher.Close()
	done := l.watchDone
	l.watcher = nil
	l.watchDone = nil
	// The loop may be blocked in Reload on l.mu, so wait without it.
	l.mu.Unlock()
	<-done
	l.mu.Lock()
}
