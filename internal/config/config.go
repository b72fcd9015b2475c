package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Create new config instance
func NewConfig() *Config {
	return &Config{}
}

// Read loads the json config file and overlays environment variables.
// A missing file is not an error: everything can come from the environment.
func (c *Config) Read(file string) error {
	// .env is optional, real environment wins
	_ = godotenv.Load()

	if _, err := os.Stat(file); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat config %s: %w", file, err)
		}
		return cleanenv.ReadEnv(c)
	}
	if err := cleanenv.ReadConfig(file, c); err != nil {
		return fmt.Errorf("read config %s: %w", file, err)
	}
	return nil
}

// Validate checks the named sections only, each command needs a different subset.
func (c *Config) Validate(sections ...any) error {
	v := validator.New()
	for _, s := range sections {
		if err := v.Struct(s); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}

// Duration reads "30s" style strings, or plain numbers as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) SetValue(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.SetValue(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %s", string(b))
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}
