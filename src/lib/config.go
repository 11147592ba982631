// Package lib holds small shared helpers, currently the daemon
// configuration loader.
package lib

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is the daemon's listening port.
	DefaultPort = 3456

	// DefaultHost binds to loopback only; the external tunnel terminates
	// on this machine.
	DefaultHost = "127.0.0.1"

	configFileName = "config.yaml"
)

// Config carries the daemon tunables. The yaml file under the state
// directory sets the baseline; environment variables win over it.
type Config struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Shell              string `yaml:"shell"`
	ScrollbackSize     int    `yaml:"scrollbackSize"`
	IdleTimeoutMinutes int    `yaml:"idleTimeoutMinutes"`
	SiblingPort        int    `yaml:"siblingPort"`
	LogFile            string `yaml:"logFile"`
}

// LoadConfig reads stateDir/config.yaml when present and applies env
// overrides: PORT, HOST, TT_SHELL, TT_LOG_FILE, TT_SIBLING_PORT.
func LoadConfig(stateDir string) Config {
	cfg := Config{
		Host:               DefaultHost,
		Port:               DefaultPort,
		IdleTimeoutMinutes: 30,
	}

	path := filepath.Join(stateDir, configFileName)
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			logrus.Warnf("Ignoring malformed %s: %v", configFileName, err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port <= 65535 {
			cfg.Port = port
		} else {
			logrus.Warnf("Ignoring invalid PORT=%q", v)
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("TT_SHELL"); v != "" {
		cfg.Shell = v
	}
	if v := os.Getenv("TT_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("TT_SIBLING_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port <= 65535 {
			cfg.SiblingPort = port
		}
	}

	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return cfg
}
