package profiler

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/telewatch/telewatch/internal/model"
)

var (
	syslogLine = regexp.MustCompile(`^[A-Za-z]{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2}\s+\S+\s+[\w./-]+:\s`)
	kvLine     = regexp.MustCompile(`\b\w+=\S+(\s+\w+=\S+)+`)
)

var csvDelimiters = []byte{',', '|', ';', '\t'}

// classifyLine classifies a single raw line as json, syslog, kv, csv or
// plain (tested in that order) and, for
// json lines, returns the decoded object so callers can inspect fields
// without re-parsing.
func classifyLine(raw string) (format model.Format, delimiter byte, hasDelimiter bool, obj map[string]any) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return model.FormatPlain, 0, false, nil
	}

	if strings.HasPrefix(trimmed, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
			return model.FormatJSON, 0, false, m
		}
	}

	if syslogLine.MatchString(raw) {
		return model.FormatSyslog, 0, false, nil
	}

	if kvLine.MatchString(raw) {
		return model.FormatKV, 0, false, nil
	}

	if d, ok := dominantDelimiter(raw); ok {
		return model.FormatCSV, d, true, nil
	}

	return model.FormatPlain, 0, false, nil
}

// dominantDelimiter reports the most frequent candidate CSV delimiter in
// raw, if it occurs at least 3 times (≥3 consistent delimiter positions).
func dominantDelimiter(raw string) (byte, bool) {
	var best byte
	bestCount := 0
	for _, d := range csvDelimiters {
		n := strings.Count(raw, string(d))
		if n > bestCount {
			bestCount = n
			best = d
		}
	}
	if bestCount >= 3 {
		return best, true
	}
	return 0, false
}

// majorityFormat picks the most frequently classified format across a
// bootstrap sample.
func majorityFormat(counts map[model.Format]int) model.Format {
	best := model.FormatPlain
	bestCount := -1
	for f, n := range counts {
		if n > bestCount {
			bestCount = n
			best = f
		}
	}
	return best
}

var jsonLevelKeys = []string{"level", "severity", "lvl"}
var jsonMessageKeys = []string{"message", "msg"}
var jsonTimestampKeys = []string{"timestamp", "time", "ts", "@timestamp"}

func jsonStringField(obj map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}
