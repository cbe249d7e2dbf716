package changes

import (
	"regexp"
	"strings"
)

// Severity orders change events by operational urgency.
type Severity string

const (
	SeverityCritical      Severity = "critical"
	SeverityModerate      Severity = "moderate"
	SeverityMinor         Severity = "minor"
	SeverityInformational Severity = "informational"
)

var severityRank = map[Severity]int{
	SeverityInformational: 0,
	SeverityMinor:         1,
	SeverityModerate:      2,
	SeverityCritical:      3,
}

// Rank returns the numeric ordering of a severity, higher is more urgent.
func (s Severity) Rank() int { return severityRank[s] }

// sensitivePatterns mark changes that touch authentication, crypto, or
// routing policy. Any hit makes the whole change critical.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*username\s`),
	regexp.MustCompile(`(?i)^\s*enable\s+(secret|password)`),
	regexp.MustCompile(`(?i)^\s*crypto\s+key`),
	regexp.MustCompile(`(?i)^\s*crypto\s+isakmp`),
	regexp.MustCompile(`(?i)^\s*(ip\s+)?access-list`),
	regexp.MustCompile(`(?i)^\s*access-group\s`),
	regexp.MustCompile(`(?i)^\s*router\s+(bgp|ospf|eigrp|rip|isis)`),
	regexp.MustCompile(`(?i)^\s*snmp-server\s+community`),
	regexp.MustCompile(`(?i)^\s*tacacs(-server)?\s`),
	regexp.MustCompile(`(?i)^\s*radius(-server)?\s`),
	regexp.MustCompile(`(?i)^\s*aaa\s`),
}

// counterPatterns match lines that churn on every capture without meaning a
// real change: uptimes, packet and byte counters, timestamps.
var counterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)uptime`),
	regexp.MustCompile(`(?i)\d+\s+(packets|bytes|bits|frames|errors|drops|collisions)`),
	regexp.MustCompile(`(?i)(input|output)\s+rate`),
	regexp.MustCompile(`(?i)last\s+(input|output|clearing)`),
	regexp.MustCompile(`\d{1,2}:\d{2}:\d{2}`),
	regexp.MustCompile(`(?i)^\s*current configuration\s*:`),
	regexp.MustCompile(`(?i)seconds?\s+(ago|since)`),
}

// noisePatterns are lines the normalizer removes entirely before comparing,
// the churn every capture of a config carries.
var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^Building configuration`),
	regexp.MustCompile(`(?i)^Current configuration\s*:`),
	regexp.MustCompile(`(?i)^!\s*Last configuration change`),
	regexp.MustCompile(`(?i)^!\s*NVRAM config last updated`),
	regexp.MustCompile(`(?i)^ntp clock-period`),
	regexp.MustCompile(`(?i)^!\s*Time:`),
	regexp.MustCompile(`(?i)^## Last (changed|commit):`),
}

// Normalize strips the known noise lines and trailing whitespace so two
// semantically identical captures compare equal.
func Normalize(content string) string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if isNoise(line) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func isNoise(line string) bool {
	for _, p := range noisePatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

func isSensitive(line string) bool {
	for _, p := range sensitivePatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

func isCounter(line string) bool {
	for _, p := range counterPatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// moderateLineThreshold promotes counter-only churn to moderate when it is
// large enough to suggest something real happened.
const moderateLineThreshold = 10

// Classify derives the severity of a change from its added and removed
// lines. normalizedEqual means the captures differ only in noise lines.
func Classify(added, removed []string, normalizedEqual bool) Severity {
	if normalizedEqual {
		return SeverityInformational
	}
	changed := len(added) + len(removed)
	if changed == 0 {
		return SeverityInformational
	}

	counterOnly := true
	for _, line := range append(append([]string{}, added...), removed...) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if isSensitive(line) {
			return SeverityCritical
		}
		if !isCounter(line) {
			counterOnly = false
		}
	}
	if counterOnly && changed < moderateLineThreshold {
		return SeverityMinor
	}
	return SeverityModerate
}
