package monitor

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/am3team/am3/internal/catalog"
)

type compiledPattern struct {
	source string
	re     *regexp.Regexp
}

// triggerSet holds an app's restart triggers: literal substrings
// checked first, then regexes, both in configuration order.
type triggerSet struct {
	literals []string
	regexes  []compiledPattern
}

// compileTriggers builds the set once at engine start. A pattern that
// fails to compile is logged and dropped.
func compileTriggers(cfg catalog.AppConfig, logger *slog.Logger) triggerSet {
	set := triggerSet{literals: cfg.RestartKeyword}
	for _, pattern := range cfg.RestartKeywordRegex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.Warn("dropping unusable restart trigger", "pattern", pattern, "error", err)
			continue
		}
		set.regexes = append(set.regexes, compiledPattern{source: pattern, re: re})
	}
	return set
}

// Match reports the first trigger the line trips, literals before
// regexes.
func (t triggerSet) Match(line string) (string, bool) {
	for _, lit := range t.literals {
		if strings.Contains(line, lit) {
			return lit, true
		}
	}
	for _, p := range t.regexes {
		if p.re.MatchString(line) {
			return p.source, true
		}
	}
	return "", false
}
