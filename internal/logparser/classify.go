package logparser

import "regexp"

// Regex sets mirror the source implementation's classification literally:
// order matters (severe before moderate before mild), and the first match
// wins.
var (
	severePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(fuck|shit|damn|wtf|ffs)\b`),
		regexp.MustCompile(`!!{2,}`),
	}
	moderatePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(finally|ugh|argh|sigh)\b`),
		regexp.MustCompile(`(?i)why (won't|doesn't|isn't|can't)`),
		regexp.MustCompile(`(?i)still (not|doesn't|won't)`),
	}
	mildPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(hmm|hm+)\b`),
		regexp.MustCompile(`\?{2,}`),
	}
	errorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)error:`),
		regexp.MustCompile(`(?i)exception:`),
		regexp.MustCompile(`(?i)traceback`),
		regexp.MustCompile(`(?i)failed`),
		regexp.MustCompile(`(?i)errno`),
		regexp.MustCompile(`(?i)permission denied`),
		regexp.MustCompile(`(?i)not found`),
		regexp.MustCompile(`(?i)syntax error`),
	}
)

// detectFrustration classifies a user text block: severe beats moderate
// beats mild beats none.
func detectFrustration(text string) Frustration {
	for _, re := range severePatterns {
		if re.MatchString(text) {
			return FrustrationSevere
		}
	}
	for _, re := range moderatePatterns {
		if re.MatchString(text) {
			return FrustrationModerate
		}
	}
	for _, re := range mildPatterns {
		if re.MatchString(text) {
			return FrustrationMild
		}
	}
	return FrustrationNone
}

// isErrorResult reports whether a stringified tool-result body looks like a
// failure.
func isErrorResult(text string) bool {
	for _, re := range errorPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

const maxSummaryLength = 200

// truncate shortens s to maxLen, appending an ellipsis when it had to cut.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
