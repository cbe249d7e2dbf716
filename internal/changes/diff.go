package changes

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Result is the outcome of comparing two captures of the same device/type.
type Result struct {
	Severity     Severity
	LinesAdded   int
	LinesRemoved int
	DiffPath     string
}

// Detector compares capture contents and persists diff artifacts.
type Detector struct {
	diffRoot     string
	maxDiffBytes int
}

// DefaultMaxDiffBytes caps stored diff artifacts. Oversized diffs are
// reported without an artifact.
const DefaultMaxDiffBytes = 1 << 20

// NewDetector builds a detector writing diff files under diffRoot. An empty
// diffRoot disables artifact persistence.
func NewDetector(diffRoot string) *Detector {
	return &Detector{diffRoot: diffRoot, maxDiffBytes: DefaultMaxDiffBytes}
}

// Compare diffs previous against next capture content, classifies severity,
// and writes the diff artifact. Identical content returns nil: no change.
func (d *Detector) Compare(prev, next []byte) (*Result, error) {
	if string(prev) == string(next) {
		return nil, nil
	}

	prevLines := strings.Split(string(prev), "\n")
	nextLines := strings.Split(string(next), "\n")
	added, removed := diffLines(prevLines, nextLines)

	normalizedEqual := Normalize(string(prev)) == Normalize(string(next))
	res := &Result{
		Severity:     Classify(added, removed, normalizedEqual),
		LinesAdded:   len(added),
		LinesRemoved: len(removed),
	}

	if d.diffRoot == "" {
		return res, nil
	}
	text := renderDiff(removed, added)
	if len(text) > d.maxDiffBytes {
		// Too large to keep; the severity floor still signals a real change.
		if res.Severity.Rank() < SeverityModerate.Rank() {
			res.Severity = SeverityModerate
		}
		return res, nil
	}
	path, err := d.writeArtifact(text)
	if err != nil {
		return nil, err
	}
	res.DiffPath = path
	return res, nil
}

func (d *Detector) writeArtifact(text string) (string, error) {
	if err := os.MkdirAll(d.diffRoot, 0o755); err != nil {
		return "", fmt.Errorf("create diff root: %w", err)
	}
	path := filepath.Join(d.diffRoot, ulid.Make().String()+".diff")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write diff artifact: %w", err)
	}
	return path, nil
}

func renderDiff(removed, added []string) string {
	var b strings.Builder
	b.WriteString("--- previous\n+++ current\n")
	for _, line := range removed {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	for _, line := range added {
		b.WriteString("+ ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// diffDPLimit bounds the quadratic LCS table. Middles larger than this are
// treated as fully rewritten, which only ever raises the reported change.
const diffDPLimit = 5000

// diffLines returns the lines present only in next (added) and only in prev
// (removed), using a longest-common-subsequence alignment with common
// prefix/suffix trimming.
func diffLines(prev, next []string) (added, removed []string) {
	// Trim the common prefix and suffix; configs mostly match end to end.
	start := 0
	for start < len(prev) && start < len(next) && prev[start] == next[start] {
		start++
	}
	endPrev, endNext := len(prev), len(next)
	for endPrev > start && endNext > start && prev[endPrev-1] == next[endNext-1] {
		endPrev--
		endNext--
	}
	a, b := prev[start:endPrev], next[start:endNext]

	if len(a) == 0 {
		return append([]string{}, b...), nil
	}
	if len(b) == 0 {
		return nil, append([]string{}, a...)
	}
	if len(a) > diffDPLimit || len(b) > diffDPLimit {
		return append([]string{}, b...), append([]string{}, a...)
	}

	// LCS table over the trimmed middle.
	lcs := make([][]int, len(a)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(b)+1)
	}
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			removed = append(removed, a[i])
			i++
		default:
			added = append(added, b[j])
			j++
		}
	}
	removed = append(removed, a[i:]...)
	added = append(added, b[j:]...)
	return added, removed
}
