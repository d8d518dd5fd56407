package config

import (
	"reflect"
	"time"
)

// ConfigDiff describes what changed between two configs.
//
// Only conversation tuning and the log level are applied to a running
// server. Every other difference sets RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SpeechRateChanged bool
	NewSpeechRate     float64

	CloseDelayChanged bool
	NewCloseDelay     time.Duration

	// RestartRequired is set when a field that is only read at startup
	// changed, such as providers, the listen address or the system prompt.
	RestartRequired bool
}

// Empty reports whether the configs are equivalent.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SpeechRateChanged && !d.CloseDelayChanged && !d.RestartRequired
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Conversation.SpeechRate != new.Conversation.SpeechRate {
		d.SpeechRateChanged = true
		d.NewSpeechRate = new.Conversation.SpeechRate
	}
	if old.Conversation.CloseDelay != new.Conversation.CloseDelay {
		d.CloseDelayChanged = true
		d.NewCloseDelay = new.Conversation.CloseDelay
	}

	// Compare the rest with the hot-reloadable fields masked out.
	o, n := *old, *new
	o.Server.LogLevel, n.Server.LogLevel = "", ""
	o.Conversation.SpeechRate, n.Conversation.SpeechRate = 0, 0
	o.Conversation.CloseDelay, n.Conversation.CloseDelay = 0, 0
	d.RestartRequired = !reflect.DeepEqual(o, n)

	return d
}
