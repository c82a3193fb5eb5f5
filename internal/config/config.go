// Package config implements the orchestrator's layered configuration load
// (spec §6): built-in defaults, then working/global-defaults.json, then
// environment variables, with template definitions on disk live-reloaded
// via fsnotify. Grounded in the teacher's internal/config loader shape
// (viper-backed); the sections here are Server, Logging, Scheduler,
// RunOptions and TemplatesDir.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/kromosynth/orchestrator/internal/logging"
	"github.com/kromosynth/orchestrator/pkg/runtypes"
)

// ServerConfig controls the HTTP control-surface adapter.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout     time.Duration `mapstructure:"idleTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	AdminToken      string        `mapstructure:"adminToken"`
}

// LoggingConfig controls the zap logger built at startup.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// SchedulerConfig seeds the Auto-Run Scheduler's tunable policy.
type SchedulerConfig struct {
	Mode                   string `mapstructure:"mode"`
	MaxConcurrent          int    `mapstructure:"maxConcurrent"`
	TimeSliceMinutes       int    `mapstructure:"timeSliceMinutes"`
	PauseOnFailure         bool   `mapstructure:"pauseOnFailure"`
	MaxFailuresBeforePause int    `mapstructure:"maxFailuresBeforePause"`
}

// Config is the orchestrator daemon's fully-resolved configuration.
type Config struct {
	Server     ServerConfig           `mapstructure:"server"`
	Logging    LoggingConfig          `mapstructure:"logging"`
	Scheduler  SchedulerConfig        `mapstructure:"scheduler"`
	RunOptions runtypes.RunOptions    `mapstructure:"runOptions"`
	TemplatesDir string               `mapstructure:"templatesDir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30*time.Second)
	v.SetDefault("server.writeTimeout", 30*time.Second)
	v.SetDefault("server.idleTimeout", 120*time.Second)
	v.SetDefault("server.shutdownTimeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", string(logging.ProfileStructured))

	v.SetDefault("scheduler.mode", string(runtypes.ModeRoundRobin))
	v.SetDefault("scheduler.maxConcurrent", 1)
	v.SetDefault("scheduler.timeSliceMinutes", 30)
	v.SetDefault("scheduler.pauseOnFailure", true)
	v.SetDefault("scheduler.maxFailuresBeforePause", 3)

	defaultOpts := runtypes.DefaultRunOptions()
	v.SetDefault("runOptions.workingRoot", defaultOpts.WorkingRoot)
	v.SetDefault("runOptions.logRoot", defaultOpts.LogRoot)
	v.SetDefault("runOptions.syncEnabled", *defaultOpts.SyncEnabled)
	v.SetDefault("runOptions.syncIntervalMs", *defaultOpts.SyncIntervalMs)
	v.SetDefault("runOptions.syncOnPause", *defaultOpts.SyncOnPause)
	v.SetDefault("runOptions.syncOnStop", *defaultOpts.SyncOnStop)
	v.SetDefault("runOptions.syncRetryMaxAttempts", *defaultOpts.SyncRetryMaxAttempts)

	v.SetDefault("templatesDir", "templates")
}

// Load resolves Config from built-in defaults, then
// working/global-defaults.json if present, then ORCHESTRATOR_*
// environment variables (spec §6's three-layer precedence, the global
// layer here — per-request RunOptions overlays happen later via
// runtypes.RunOptions.Merge).
func Load(ctx context.Context, workingRoot string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("global-defaults")
	v.SetConfigType("json")
	v.AddConfigPath(workingRoot)

	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read global-defaults.json: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Watcher watches the templates directory and calls onChange with the
// file's path on every write, create, remove or rename event, so the
// caller can reload templates without a restart. It publishes no events
// of its own.
type Watcher struct {
	fsw    *fsnotify.Watcher
	onChange func(path string)
}

// WatchTemplates starts watching dir for writes/creates/removes and
// invokes onChange for each event. Call Close to stop watching.
func WatchTemplates(dir string, onChange func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch templates dir %s: %w", dir, err)
	}

	w := &Watcher{fsw: fsw, onChange: onChange}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.onChange(evt.Name)
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
