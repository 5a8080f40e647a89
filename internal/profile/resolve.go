package profile

import (
	"fmt"
	"regexp"

	"github.com/matheus3301/chatcore/internal/config"
)

const DefaultName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to profile naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. config.toml default_profile
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultName
}

// Load reads the profile file, applies the profile's .env and the process
// environment on top of it.
func Load(name string) (*config.Profile, error) {
	if err := config.LoadEnv(EnvPath(name), ".env"); err != nil {
		return nil, err
	}
	p, err := config.LoadProfile(ProfilePath(name))
	if err != nil {
		return nil, err
	}
	p.ApplyEnv()
	return p, nil
}
