// Package cluster hands queries to a pool of engines and collects one
// outcome per query.
package cluster

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// ProfileFile is the profile document read from a profile directory.
const ProfileFile = "cluster.yaml"

// Transports.
const (
	TransportLocal = "local"
	TransportNATS  = "nats"
)

// ErrNoProfile is returned when a profile directory has no cluster.yaml.
var ErrNoProfile = errors.New("cluster profile not found")

// Profile describes how to reach the engines.
type Profile struct {
	Transport string     `yaml:"transport"`
	Engines   int        `yaml:"engines"`
	NATS      NATSConfig `yaml:"nats"`
}

// NATSConfig locates the engines on a NATS bus.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	Subject        string        `yaml:"subject"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultProfile runs one local engine per CPU.
func DefaultProfile() Profile {
	return Profile{
		Transport: TransportLocal,
		Engines:   runtime.NumCPU(),
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			Subject:        "injections.tasks",
			RequestTimeout: 30 * time.Minute,
		},
	}
}

// LoadProfile reads <dir>/cluster.yaml over the defaults. An empty dir
// yields DefaultProfile.
func LoadProfile(dir string) (Profile, error) {
	p := DefaultProfile()
	if dir == "" {
		return p, nil
	}

	path := filepath.Join(dir, ProfileFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Profile{}, fmt.Errorf("%w: %s", ErrNoProfile, path)
		}
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// Validate checks the profile for usable values.
func (p Profile) Validate() error {
	switch p.Transport {
	case TransportLocal, TransportNATS:
	default:
		return fmt.Errorf("unknown transport %q", p.Transport)
	}
	if p.Engines < 1 {
		return fmt.Errorf("engines must be at least 1, got %d", p.Engines)
	}
	if p.Transport == TransportNATS {
		if p.NATS.URL == "" {
			return errors.New("nats.url is required for the nats transport")
		}
		if p.NATS.Subject == "" {
			return errors.New("nats.subject is required for the nats transport")
		}
		if p.NATS.RequestTimeout <= 0 {
			return errors.New("nats.request_timeout must be positive")
		}
	}
	return nil
}
