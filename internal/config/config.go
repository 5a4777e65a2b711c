package config

import (
	"errors"
	"fmt"
	"time"
)

type Config struct {
	Bind      string
	Port      int
	PublicURL string // external base URL used for join links and QR codes

	PackDir     string // optional directory of pack JSON files
	PackBaseURL string // optional remote pack registry

	CountdownTime    time.Duration
	QuestionTime     time.Duration
	BaseAward        int
	ReconnectTimeout time.Duration
	SessionTimeout   time.Duration // idle session reaping; 0 disables
	SignalTTL        time.Duration

	Verbose bool
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	if c.QuestionTime <= 0 {
		return errors.New("question-time must be positive")
	}
	if c.BaseAward <= 0 {
		return errors.New("base-award must be positive")
	}
	return nil
}
