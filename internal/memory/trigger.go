package memory

import (
	"fmt"
	"regexp"
)

// TriggerConfig tunes CompactionTrigger.
type TriggerConfig struct {
	// TokenThreshold forces compaction at or above this context ratio.
	TokenThreshold float64 `json:"trigger_token_threshold" yaml:"trigger_token_threshold"`
	// AlertZone is the ratio above which the shorter turn fallback applies.
	AlertZone float64 `json:"alert_zone_threshold" yaml:"alert_zone_threshold"`
	// DefaultTurnFallback compacts after this many turns in the normal zone.
	DefaultTurnFallback int `json:"default_turn_fallback" yaml:"default_turn_fallback"`
	// AlertTurnFallback compacts after this many turns in the alert zone.
	AlertTurnFallback int `json:"alert_turn_fallback" yaml:"alert_turn_fallback"`
}

// DefaultTriggerConfig returns the stock thresholds.
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		TokenThreshold:      0.70,
		AlertZone:           0.50,
		DefaultTurnFallback: 8,
		AlertTurnFallback:   5,
	}
}

// TriggerInput describes the state after one turn.
type TriggerInput struct {
	TokenRatio     float64
	RecentCommands []string
}

// TriggerDecision is the outcome of ShouldCompact.
type TriggerDecision struct {
	Compact bool
	Reason  string
}

var progressPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bgit\s+push\b`),
	regexp.MustCompile(`\bgh\s+pr\s+create\b`),
	regexp.MustCompile(`\bgh\s+pr\s+merge\b`),
	regexp.MustCompile(`\bgit\s+tag\b`),
}

// CompactionTrigger decides after each turn whether to compact. It counts
// turns since the last compaction.
type CompactionTrigger struct {
	cfg   TriggerConfig
	turns int
}

// NewCompactionTrigger returns a trigger with zero elapsed turns.
func NewCompactionTrigger(cfg TriggerConfig) *CompactionTrigger {
	return &CompactionTrigger{cfg: cfg}
}

// ShouldCompact counts one turn and evaluates token ratio, progress
// signals, then the turn fallback, in that order.
func (t *CompactionTrigger) ShouldCompact(in TriggerInput) TriggerDecision {
	t.turns++

	if in.TokenRatio >= t.cfg.TokenThreshold {
		return TriggerDecision{Compact: true, Reason: fmt.Sprintf("token ratio %d%% >= threshold", int(in.TokenRatio*100))}
	}
	for _, cmd := range in.RecentCommands {
		for _, re := range progressPatterns {
			if re.MatchString(cmd) {
				return TriggerDecision{Compact: true, Reason: "progress signal: " + re.FindString(cmd)}
			}
		}
	}
	fallback := t.cfg.DefaultTurnFallback
	if in.TokenRatio >= t.cfg.AlertZone {
		fallback = t.cfg.AlertTurnFallback
	}
	if fallback > 0 && t.turns >= fallback {
		return TriggerDecision{Compact: true, Reason: fmt.Sprintf("%d turns since last compaction", t.turns)}
	}
	return TriggerDecision{Reason: "no trigger"}
}

// Reset zeroes the turn counter after a compaction.
func (t *CompactionTrigger) Reset() {
	t.turns = 0
}

// Turns returns the number of turns since the last reset.
func (t *CompactionTrigger) Turns() int {
	return t.turns
}
