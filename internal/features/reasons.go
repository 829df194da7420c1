package features

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
)

// SuspiciousReasonScore is the score at which a free-text reason counts as suspicious.
const SuspiciousReasonScore = 30

// ReasonAnalysis is the verdict on one user-provided cancellation reason.
type ReasonAnalysis struct {
	IsSuspicious bool     `json:"isSuspicious"`
	Score        float64  `json:"confidence"`
	Indicators   []string `json:"indicators"`
}

type reasonSignal struct {
	keywords  []string
	indicator string
	points    float64
}

// Checked in order; each signal counts once however many of its keywords match.
var reasonSignals = []reasonSignal{
	{[]string{"test"}, "Reason indicates testing", 30},
	{[]string{"accident", "mistake", "error", "wrong"}, "Reason indicates booking was an accident/mistake", 25},
	{[]string{"change mind", "changed mind", "changed my mind"}, "Changed mind without specific reason", 15},
	{[]string{"duplicate", "booked twice"}, "Possible duplicate booking", 20},
	{[]string{"cheaper", "better deal", "found another"}, "Price shopping behavior", 15},
}

// AnalyzeReason scores a free-text cancellation reason by keyword.
// An empty reason is not evidence either way.
func AnalyzeReason(reason string) ReasonAnalysis {
	out := ReasonAnalysis{Indicators: []string{}}
	lower := strings.ToLower(strings.TrimSpace(reason))
	if lower == "" {
		return out
	}

	for _, sig := range reasonSignals {
		for _, kw := range sig.keywords {
			if strings.Contains(lower, kw) {
				out.Indicators = append(out.Indicators, sig.indicator)
				out.Score += sig.points
				break
			}
		}
	}
	if len([]rune(lower)) < 5 {
		out.Indicators = append(out.Indicators, "Very short/non-descriptive reason")
		out.Score += 10
	}

	out.Score = math.Min(out.Score, 100)
	out.IsSuspicious = out.Score >= SuspiciousReasonScore
	return out
}

// ReasonRecord is one cancellation reason with its context.
type ReasonRecord struct {
	UserID     string    `json:"userId"`
	BookingID  string    `json:"bookingId,omitempty"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"date"`
	LeadTime   float64   `json:"leadTime"`
}

// KeywordCount is how often a suspicious keyword appeared.
type KeywordCount struct {
	Keyword    string `json:"keyword"`
	Count      int    `json:"count"`
	Percentage int    `json:"percentage"`
}

// WordCount is a plain word frequency.
type WordCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// ReasonReport aggregates many cancellation reasons.
type ReasonReport struct {
	TotalCancellations int            `json:"totalCancellations"`
	WithReason         int            `json:"withReasonProvided"`
	WithoutReason      int            `json:"withoutReasonProvided"`
	CommonPhrases      []KeywordCount `json:"commonPhrases"`
	CommonWords        []WordCount    `json:"commonWords"`
	SuspiciousReasons  []ReasonRecord `json:"suspiciousReasons"`
	Analysis           string         `json:"analysis"`
}

var reportKeywords = []string{
	"mistake", "wrong", "accident", "error", "test", "just testing",
	"didn't mean", "didn't want", "change mind", "better deal",
	"booked twice", "duplicate", "cheaper", "found another",
}

// AnalyzeReasons summarizes keyword and word frequencies across reasons.
func AnalyzeReasons(records []ReasonRecord) ReasonReport {
	report := ReasonReport{
		TotalCancellations: len(records),
		CommonPhrases:      []KeywordCount{},
		CommonWords:        []WordCount{},
		SuspiciousReasons:  []ReasonRecord{},
	}

	var reasons []string
	for _, r := range records {
		text := strings.ToLower(strings.TrimSpace(r.Reason))
		if text == "" {
			report.WithoutReason++
			continue
		}
		report.WithReason++
		reasons = append(reasons, text)
		if matchesAny(text, reportKeywords) && len(report.SuspiciousReasons) < 10 {
			report.SuspiciousReasons = append(report.SuspiciousReasons, r)
		}
	}

	if len(reasons) == 0 {
		report.Analysis = "No cancellations with reasons found"
		return report
	}

	for _, kw := range reportKeywords {
		n := 0
		for _, text := range reasons {
			if strings.Contains(text, kw) {
				n++
			}
		}
		if n > 0 {
			report.CommonPhrases = append(report.CommonPhrases, KeywordCount{
				Keyword:    kw,
				Count:      n,
				Percentage: int(math.Round(float64(n) / float64(len(reasons)) * 100)),
			})
		}
	}
	sort.SliceStable(report.CommonPhrases, func(i, j int) bool {
		return report.CommonPhrases[i].Count > report.CommonPhrases[j].Count
	})

	report.CommonWords = topWords(reasons, 10)

	if len(report.CommonPhrases) > 0 {
		top := report.CommonPhrases[0]
		report.Analysis = fmt.Sprintf("The most common suspicious phrase is %q (%d%% of cancellations).", top.Keyword, top.Percentage)
		if float64(len(report.SuspiciousReasons)) > float64(len(reasons))*0.3 {
			report.Analysis += " High percentage of suspicious cancellation reasons detected."
		}
	} else {
		report.Analysis = "No suspicious keywords detected in cancellation reasons."
	}

	return report
}

func matchesAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// topWords counts words longer than three letters, most frequent first, ties alphabetical.
func topWords(reasons []string, n int) []WordCount {
	counts := make(map[string]int)
	for _, text := range reasons {
		words := strings.FieldsFunc(text, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, w := range words {
			if len([]rune(w)) > 3 {
				counts[w]++
			}
		}
	}

	out := make([]WordCount, 0, len(counts))
	for w, c := range counts {
		out = append(out, WordCount{Word: w, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Word < out[j].Word
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
