// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the file and environment form of Options.
//
// Preemption thresholds are multiples of the display refresh interval.
type Config struct {
	Channel    ChannelConfig    `mapstructure:"channel"`
	Preemption PreemptionConfig `mapstructure:"preemption"`
}

// ChannelConfig sizes a channel's runners and in-process pipe.
type ChannelConfig struct {
	AllowRealTimeStreams bool `mapstructure:"allow_real_time_streams"`
	RunnerCapacity       int  `mapstructure:"runner_capacity"`
	PipeCapacity         int  `mapstructure:"pipe_capacity"`
}

// PreemptionConfig holds preemption thresholds in refresh intervals.
type PreemptionConfig struct {
	RefreshInterval    time.Duration `mapstructure:"refresh_interval"`
	WaitIntervals      float64       `mapstructure:"wait_intervals"`
	MaxIntervals       float64       `mapstructure:"max_intervals"`
	ThresholdIntervals float64       `mapstructure:"threshold_intervals"`
}

// LoadConfig reads path, if not empty, then applies GPUCHAN_* environment
// overrides such as GPUCHAN_PREEMPTION_REFRESH_INTERVAL=8ms.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("gpuchan")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("channel.allow_real_time_streams", false)
	v.SetDefault("channel.runner_capacity", DefaultRunnerCapacity)
	v.SetDefault("channel.pipe_capacity", DefaultPipeCapacity)
	v.SetDefault("preemption.refresh_interval", DefaultRefreshInterval)
	v.SetDefault("preemption.wait_intervals", 2.0)
	v.SetDefault("preemption.max_intervals", 1.0)
	v.SetDefault("preemption.threshold_intervals", 1.0)
}

// Validate reports the first setting out of range.
func (c Config) Validate() error {
	if c.Preemption.RefreshInterval <= 0 {
		return fmt.Errorf("preemption.refresh_interval must be positive, got %s", c.Preemption.RefreshInterval)
	}
	if c.Preemption.WaitIntervals <= 0 || c.Preemption.MaxIntervals <= 0 || c.Preemption.ThresholdIntervals <= 0 {
		return fmt.Errorf("preemption intervals must be positive")
	}
	if c.Channel.RunnerCapacity < 2 {
		return fmt.Errorf("channel.runner_capacity must be >= 2, got %d", c.Channel.RunnerCapacity)
	}
	if c.Channel.PipeCapacity < 2 {
		return fmt.Errorf("channel.pipe_capacity must be >= 2, got %d", c.Channel.PipeCapacity)
	}
	return nil
}

// Timing converts the preemption section to absolute thresholds.
func (c Config) Timing() PreemptionTiming {
	p := c.Preemption
	return TimingFromRefresh(p.RefreshInterval, p.WaitIntervals, p.MaxIntervals, p.ThresholdIntervals)
}

// Builder returns a builder carrying the loaded settings.
func (c Config) Builder() *Builder {
	b := New().Timing(c.Timing()).RunnerCapacity(c.Channel.RunnerCapacity)
	if c.Channel.AllowRealTimeStreams {
		b.AllowRealTimeStreams()
	}
	return b
}

// NewPipe creates a connected endpoint pair sized by the channel section.
func (c Config) NewPipe() (*Endpoint, *Endpoint) {
	return NewPipe(c.Channel.PipeCapacity)
}
