package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// clientFile mirrors ClientConfig for YAML files. Unset keys keep the env value.
type clientFile struct {
	APIBaseURL         *string        `yaml:"api_base_url"`
	AttemptDBPath      *string        `yaml:"attempt_db"`
	ReferencePrefix    *string        `yaml:"reference_prefix"`
	Currency           *string        `yaml:"currency"`
	CloseRecheckDelay  *time.Duration `yaml:"close_recheck_delay"`
	PollStartDelay     *time.Duration `yaml:"poll_start_delay"`
	PollInterval       *time.Duration `yaml:"poll_interval"`
	MaxPollAttempts    *int           `yaml:"max_poll_attempts"`
	ConfirmationTarget *string        `yaml:"confirmation_target"`
}

// LoadClientFile overlays the YAML file at path onto base
func LoadClientFile(path string, base ClientConfig) (ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read client config: %w", err)
	}

	var f clientFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return base, fmt.Errorf("failed to parse client config: %w", err)
	}

	setString(&base.APIBaseURL, f.APIBaseURL)
	setString(&base.AttemptDBPath, f.AttemptDBPath)
	setString(&base.ReferencePrefix, f.ReferencePrefix)
	setString(&base.Currency, f.Currency)
	setString(&base.ConfirmationTarget, f.ConfirmationTarget)
	if f.CloseRecheckDelay != nil {
		base.CloseRecheckDelay = *f.CloseRecheckDelay
	}
	if f.PollStartDelay != nil {
		base.PollStartDelay = *f.PollStartDelay
	}
	if f.PollInterval != nil {
		base.PollInterval = *f.PollInterval
	}
	if f.MaxPollAttempts != nil {
		base.MaxPollAttempts = *f.MaxPollAttempts
	}
	return base, nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
