// Package config loads certflow settings from a YAML file, the environment
// and built-in defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the resolved configuration the daemon runs on.
type Settings struct {
	StoreDir              string           `mapstructure:"storeDir"`
	MasterKeyPath         string           `mapstructure:"masterKeyPath"`
	ActivityLogPath       string           `mapstructure:"activityLogPath"`
	ListenAddr            string           `mapstructure:"listenAddr"`
	RenewDaysBeforeExpiry int              `mapstructure:"renewDaysBeforeExpiry"`
	RenewalSchedule       string           `mapstructure:"renewalSchedule"`
	EnableAutoRenewalJob  bool             `mapstructure:"enableAutoRenewalJob"`
	EnableFileWatch       bool             `mapstructure:"enableFileWatch"`
	CAValidityPeriod      CAValidityPeriod `mapstructure:"caValidityPeriod"`
	BackupRetention       int              `mapstructure:"backupRetention"`
	OpenSSLPath           string           `mapstructure:"opensslPath"`
	JSONOutput            bool             `mapstructure:"jsonOutput"`
	RenewalWorkers        int              `mapstructure:"renewalWorkers"`
}

// CAValidityPeriod holds the default issuance lifetimes in days.
type CAValidityPeriod struct {
	RootCA         int `mapstructure:"rootCA"`
	IntermediateCA int `mapstructure:"intermediateCA"`
	Standard       int `mapstructure:"standard"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storeDir", "/var/lib/certflow/certs")
	v.SetDefault("masterKeyPath", "/var/lib/certflow/master.key")
	v.SetDefault("activityLogPath", "/var/lib/certflow/activity.db")
	v.SetDefault("listenAddr", ":8443")
	v.SetDefault("renewDaysBeforeExpiry", 30)
	v.SetDefault("renewalSchedule", "0 0 * * *")
	v.SetDefault("enableAutoRenewalJob", true)
	v.SetDefault("enableFileWatch", false)
	v.SetDefault("caValidityPeriod.rootCA", 3650)
	v.SetDefault("caValidityPeriod.intermediateCA", 1825)
	v.SetDefault("caValidityPeriod.standard", 365)
	v.SetDefault("backupRetention", 90)
	v.SetDefault("opensslPath", "openssl")
	v.SetDefault("jsonOutput", false)
	v.SetDefault("renewalWorkers", 2)
}

// Load reads settings from path when non-empty, otherwise from config.yaml
// in the working directory if present. Environment variables prefixed with
// CERTFLOW_ override file values (dots become underscores).
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("certflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/certflow")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) validate() error {
	if s.StoreDir == "" {
		return errors.New("storeDir must not be empty")
	}
	if s.MasterKeyPath == "" {
		return errors.New("masterKeyPath must not be empty")
	}
	if s.RenewDaysBeforeExpiry <= 0 {
		return fmt.Errorf("renewDaysBeforeExpiry must be positive, got %d", s.RenewDaysBeforeExpiry)
	}
	if s.BackupRetention < 0 {
		return fmt.Errorf("backupRetention must not be negative, got %d", s.BackupRetention)
	}
	if s.CAValidityPeriod.RootCA <= 0 || s.CAValidityPeriod.IntermediateCA <= 0 || s.CAValidityPeriod.Standard <= 0 {
		return errors.New("caValidityPeriod entries must be positive")
	}
	if s.RenewalWorkers <= 0 {
		s.RenewalWorkers = 2
	}
	return nil
}
