// Package config decodes the annotator's nested runtime settings
// (compactor ratios, tokenizer heuristics, LLM client tuning) out of viper,
// mirroring the teacher's pattern of binding flat CLI flags for the common
// case while allowing a config file to carry structured overrides for the
// knobs that don't deserve their own flag.
package config

import (
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/terrarium-labs/annotator/internal/compactor"
	"github.com/terrarium-labs/annotator/internal/llm"
	"github.com/terrarium-labs/annotator/internal/tokenizer"
)

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Compactor mirrors compactor.Config with mapstructure tags so it can be
// decoded out of a `compactor:` block in config.yaml.
type Compactor struct {
	SoftRatio          float64 `mapstructure:"soft_ratio"`
	ThreadCompactRatio float64 `mapstructure:"thread_compact_ratio"`
	EmergencyRatio     float64 `mapstructure:"emergency_ratio"`
	TargetRatio        float64 `mapstructure:"target_ratio"`
	ChunkSize          int     `mapstructure:"chunk_size"`
}

func (c Compactor) toDomain() compactor.Config {
	return compactor.Config{
		SoftRatio:          c.SoftRatio,
		ThreadCompactRatio: c.ThreadCompactRatio,
		EmergencyRatio:     c.EmergencyRatio,
		TargetRatio:        c.TargetRatio,
		ChunkSize:          c.ChunkSize,
	}
}

// Tokenizer mirrors tokenizer.Config.
type Tokenizer struct {
	CharsPerToken     float64 `mapstructure:"chars_per_token"`
	MessageOverhead   int     `mapstructure:"message_overhead"`
	VerificationRatio float64 `mapstructure:"verification_ratio"`
}

func (t Tokenizer) toDomain() tokenizer.Config {
	return tokenizer.Config{
		CharsPerToken:     t.CharsPerToken,
		MessageOverhead:   t.MessageOverhead,
		VerificationRatio: t.VerificationRatio,
	}
}

// LLM mirrors the subset of llm.Config that makes sense as config-file
// overrides rather than flags (retry tuning).
type LLM struct {
	RetryAttempts  uint `mapstructure:"retry_attempts"`
	InitialDelayMS int  `mapstructure:"initial_delay_ms"`
	MaxDelayMS     int  `mapstructure:"max_delay_ms"`
}

// Settings is the full structured config decoded from viper's "compactor",
// "tokenizer", and "llm" keys.
type Settings struct {
	Compactor Compactor `mapstructure:"compactor"`
	Tokenizer Tokenizer `mapstructure:"tokenizer"`
	LLM       LLM       `mapstructure:"llm"`
}

// Load decodes Settings out of v, using mapstructure directly (rather than
// viper.Unmarshal) so zero-value sub-blocks absent from the config file
// decode to zero Settings fields instead of erroring.
func Load(v *viper.Viper) (Settings, error) {
	var s Settings
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &s,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Settings{}, errors.Wrap(err, "failed to build config decoder")
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return Settings{}, errors.Wrap(err, "failed to decode annotator config")
	}
	return s, nil
}

// CompactorConfig returns the decoded compactor config with zero fields
// left for compactor.Config.withDefaults to fill in.
func (s Settings) CompactorConfig() compactor.Config {
	return s.Compactor.toDomain()
}

// TokenizerConfig returns the decoded tokenizer config.
func (s Settings) TokenizerConfig() tokenizer.Config {
	return s.Tokenizer.toDomain()
}

// ApplyLLMOverrides patches an llm.Config with any non-zero config-file
// overrides, leaving flag/default values alone otherwise.
func (s Settings) ApplyLLMOverrides(cfg llm.Config) llm.Config {
	if s.LLM.RetryAttempts > 0 {
		cfg.RetryAttempts = s.LLM.RetryAttempts
	}
	if s.LLM.InitialDelayMS > 0 {
		cfg.InitialDelay = msDuration(s.LLM.InitialDelayMS)
	}
	if s.LLM.MaxDelayMS > 0 {
		cfg.MaxDelay = msDuration(s.LLM.MaxDelayMS)
	}
	return cfg
}
