package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig reads the application configuration. When path is empty the
// usual locations are searched; a missing file is not an error (defaults
// and ESPLINK_* environment variables still apply).
func LoadConfig(path string) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8090")

	v.SetDefault("modules.access.enabled", true)
	v.SetDefault("modules.access.max_registration_attempts", 5)
	v.SetDefault("modules.access.registration_cooldown", "5m")
	v.SetDefault("modules.access.token_expiry", "24h")
	v.SetDefault("modules.access.require_unique_addresses", true)
	v.SetDefault("modules.access.enable_whitelist", true)
	v.SetDefault("modules.access.cleanup_interval", "1h")

	v.SetDefault("modules.relay.enabled", true)
	v.SetDefault("modules.relay.command_timeout", "5s")
	v.SetDefault("modules.relay.mqtt.enabled", false)
	v.SetDefault("modules.relay.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("modules.relay.mqtt.client_id", "esplink")

	v.SetDefault("modules.journal.enabled", true)
	v.SetDefault("modules.journal.db_path", "esplink.db")

	v.SetEnvPrefix("ESPLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("esplink")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/esplink")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	return v, nil
}
