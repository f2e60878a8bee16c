package commands

import (
	"time"

	"bankauth-backend/internal/notify"
	"bankauth-backend/internal/sca"
	"bankauth-backend/internal/sites"
	"bankauth-backend/internal/statestore"
	"bankauth-backend/lib/telemetry"
)

const defaultStateFile = ".bankauth/state.db"

type EngineConfig struct {
	PollIntervalSeconds  int `json:"poll_interval_seconds" validate:"gte=0"`
	PollTimeoutSeconds   int `json:"poll_timeout_seconds" validate:"gte=0"`
	MaxCodeAttempts      int `json:"max_code_attempts" validate:"gte=0"`
	MaxChainedChallenges int `json:"max_chained_challenges" validate:"gte=0"`
	TransientAttempts    int `json:"transient_attempts" validate:"gte=0"`
	ReloginAttempts      int `json:"relogin_attempts" validate:"gte=0"`
	PendingTTLSeconds    int `json:"pending_ttl_seconds" validate:"gte=0"`
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c EngineConfig) options() sca.Options {
	opts := sca.DefaultOptions()
	if c.PollIntervalSeconds > 0 {
		opts.PollInterval = seconds(c.PollIntervalSeconds)
	}
	if c.PollTimeoutSeconds > 0 {
		opts.PollTimeout = seconds(c.PollTimeoutSeconds)
	}
	if c.MaxCodeAttempts > 0 {
		opts.MaxCodeAttempts = c.MaxCodeAttempts
	}
	if c.MaxChainedChallenges > 0 {
		opts.MaxChainedChallenges = c.MaxChainedChallenges
	}
	if c.TransientAttempts > 0 {
		opts.TransientAttempts = c.TransientAttempts
	}
	if c.ReloginAttempts > 0 {
		opts.ReloginAttempts = c.ReloginAttempts
	}
	if c.PendingTTLSeconds > 0 {
		opts.PendingTTL = seconds(c.PendingTTLSeconds)
	}
	return opts
}

// Config is read from bankauth.json5, searched upward from the working
// directory and merged with bankauth.local.json5.
type Config struct {
	Engine    EngineConfig            `json:"engine"`
	Sites     map[string]sites.Config `json:"sites" validate:"dive"`
	State     statestore.Config       `json:"state"`
	Smtp      notify.SmtpConfig       `json:"smtp"`
	Telemetry telemetry.Config        `json:"telemetry"`
	Log       telemetry.LogConfig     `json:"log"`
}

func (c Config) stateDB() statestore.Config {
	if c.State.File == "" && c.State.Url == "" {
		c.State.File = defaultStateFile
	}
	return c.State
}
