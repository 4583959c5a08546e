package session

import "github.com/mvales/courier/internal/config"

// DefaultProfileName is used when neither the flag nor the config names
// a profile.
const DefaultProfileName = "default"

// Resolve picks the profile name: explicit flag wins, then the config
// default, then "default".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultProfileName
}
