package terminal

import (
	"strings"
)

// Mode selects how the detector decides the device is awaiting input.
type Mode int

const (
	// ModeProbe adopts a prompt from quiet output during initial contact.
	ModeProbe Mode = iota
	// ModeTracking matches a known prompt after each issued command.
	ModeTracking
)

// Prompt endings accepted during probe adoption.
const promptEndings = "#>:$"

// Detector recognizes when a device is ready for the next command. It holds
// a sanitized rolling buffer fed from the SSH channel and an aggregate count
// of commands issued so far. Detection depends only on the accumulated bytes,
// never on how they were chunked.
type Detector struct {
	mode     Mode
	expect   string
	commands int
	carry    []byte
	buf      strings.Builder
}

// NewDetector returns a detector in probe mode.
func NewDetector() *Detector {
	return &Detector{mode: ModeProbe}
}

// Feed appends raw bytes to the rolling buffer. Sanitization runs over the
// accumulated stream: a trailing escape sequence or multi-byte rune that may
// continue in the next read is carried until its remainder arrives, so the
// buffer never depends on where reads split the bytes.
func (d *Detector) Feed(p []byte) {
	d.carry = append(d.carry, p...)
	cut := splitComplete(d.carry)
	d.buf.Write(Sanitize(d.carry[:cut]))
	d.carry = append(d.carry[:0], d.carry[cut:]...)
}

// Mode returns the current detection mode.
func (d *Detector) Mode() Mode { return d.mode }

// Expect returns the tracked prompt, empty while probing.
func (d *Detector) Expect() string { return d.expect }

// SetExpect switches the detector to tracking mode for the given prompt.
func (d *Detector) SetExpect(prompt string) {
	d.expect = prompt
	d.mode = ModeTracking
}

// CommandIssued increments the aggregate prompt counter.
func (d *Detector) CommandIssued() { d.commands++ }

// Commands returns the number of commands issued so far.
func (d *Detector) Commands() int { return d.commands }

// Buffer returns the sanitized bytes accumulated so far.
func (d *Detector) Buffer() string { return d.buf.String() }

// Reset clears the rolling buffer and the aggregate counter.
func (d *Detector) Reset() {
	d.buf.Reset()
	d.carry = d.carry[:0]
	d.commands = 0
}

// Adopt attempts to adopt a prompt from the buffered output. The caller
// invokes it after observing a quiet interval. The adopted prompt is the last
// non-empty line whose trailing character is one of "# > : $", with trailing
// whitespace stripped; it must be at least 2 characters and free of control
// bytes. Echoed repetitions ("sw1# sw1# sw1#") collapse to a single instance.
func (d *Detector) Adopt() (string, bool) {
	prompt, ok := ExtractPrompt(d.buf.String())
	if !ok {
		return "", false
	}
	d.SetExpect(prompt)
	return prompt, true
}

// Found reports whether the expected prompt has been observed after the most
// recent command. The prompt counts as found when the buffer ends with it
// immediately after a newline, or when it occurs exactly once more than the
// number of commands issued. The count rule guards against prompt-like text
// inside command output completing a wait early.
func (d *Detector) Found() bool {
	if d.mode != ModeTracking || d.expect == "" {
		return false
	}
	s := d.buf.String()
	trimmed := strings.TrimRight(s, " \t")
	if strings.HasSuffix(trimmed, d.expect) {
		head := trimmed[:len(trimmed)-len(d.expect)]
		if head == "" || strings.HasSuffix(head, "\n") {
			return true
		}
	}
	return strings.Count(s, d.expect) == d.commands+1
}

// ExtractPrompt pulls a prompt from sanitized output per the probe rules.
func ExtractPrompt(buffer string) (string, bool) {
	lines := strings.Split(buffer, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t")
		if line == "" {
			continue
		}
		if !strings.ContainsRune(promptEndings, rune(line[len(line)-1])) {
			continue
		}
		line = collapseRepeats(line)
		if len(line) < 2 || hasControl(line) {
			continue
		}
		return line, true
	}
	return "", false
}

// collapseRepeats reduces an echoed prompt line like "sw1# sw1# sw1#" to
// "sw1#". Lines that are not pure repetitions are returned unchanged.
func collapseRepeats(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return line
	}
	first := fields[0]
	if !strings.ContainsRune(promptEndings, rune(first[len(first)-1])) {
		return line
	}
	for _, f := range fields[1:] {
		if f != first {
			return line
		}
	}
	return first
}

// StripTrailingPrompt removes a trailing prompt line from command output and
// normalizes the final newline.
func StripTrailingPrompt(output, prompt string) string {
	s := strings.TrimRight(output, " \t")
	if prompt != "" {
		trimmed := strings.TrimRight(s, " \t\n")
		if strings.HasSuffix(trimmed, prompt) {
			head := trimmed[:len(trimmed)-len(prompt)]
			if head == "" || strings.HasSuffix(head, "\n") {
				s = head
			}
		}
	}
	s = strings.TrimRight(s, " \t\n")
	if s == "" {
		return ""
	}
	return s + "\n"
}
