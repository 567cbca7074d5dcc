package safety

import "regexp"

// LeakWarning describes one secret-shaped match in scanned text. Sample is
// truncated so the warning itself never carries the full secret.
type LeakWarning struct {
	Pattern string
	Sample  string
}

// LeakDetector scans text for credential material before it is persisted or
// echoed back to a model.
type LeakDetector struct{}

func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), "API key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "Google API key"},
	{regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`), "prefixed SDK key"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`), "private key"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), "password"},
}

// Scan reports secret-shaped content without modifying the input. At most
// three matches per pattern are reported; the caller only needs to know the
// text is tainted, not enumerate every hit.
func (d *LeakDetector) Scan(text string) []LeakWarning {
	if text == "" {
		return nil
	}
	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		for _, match := range pat.re.FindAllString(text, 3) {
			sample := match
			if len(sample) > 20 {
				sample = sample[:17] + "..."
			}
			warnings = append(warnings, LeakWarning{Pattern: pat.desc, Sample: sample})
		}
	}
	return warnings
}

// piiPatterns catches personally identifying values: international-format
// phone numbers and email addresses.
var piiPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`\+?[0-9][0-9\-\s()]{7,}[0-9]`), "phone number"},
	{regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), "email address"},
}

// ScanPII reports personally identifying content in text.
func (d *LeakDetector) ScanPII(text string) []LeakWarning {
	if text == "" {
		return nil
	}
	var warnings []LeakWarning
	for _, pat := range piiPatterns {
		for _, match := range pat.re.FindAllString(text, 3) {
			sample := match
			if len(sample) > 12 {
				sample = sample[:9] + "..."
			}
			warnings = append(warnings, LeakWarning{Pattern: pat.desc, Sample: sample})
		}
	}
	return warnings
}

// RedactPII masks every PII match in text with [REDACTED]. Idempotent.
func (d *LeakDetector) RedactPII(text string) string {
	if text == "" {
		return text
	}
	for _, pat := range piiPatterns {
		text = pat.re.ReplaceAllString(text, "[REDACTED]")
	}
	return text
}

// Tainted is a convenience for callers that only need a boolean.
func Tainted(text string) bool {
	d := LeakDetector{}
	return len(d.Scan(text)) > 0
}
