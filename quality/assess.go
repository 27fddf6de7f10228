// Package quality grades backend responses. Assessment is a pure
// function over (content kind, content, raw response); the thresholds
// that turn a score into approve/reject/review live in configuration.
package quality

import (
	"encoding/json"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"golang.org/x/net/html"

	"github.com/c360studio/dispatchengine/storage"
)

// Assessment is the result of grading one deliverable.
type Assessment struct {
	Score     float64            `json:"score"`
	Passed    bool               `json:"passed"`
	Issues    []string           `json:"issues,omitempty"`
	SubScores map[string]float64 `json:"sub_scores,omitempty"`

	// Normalized is the markdown form of HTML text content, empty when
	// the content needed no normalization.
	Normalized string `json:"normalized,omitempty"`
}

// Thresholds turn a score into a gate decision.
type Thresholds struct {
	// ApproveAbove auto-approves scores at or above it when no issues
	// were found.
	ApproveAbove float64 `json:"approve_above" yaml:"approve_above"`

	// RejectBelow auto-rejects scores at or below it.
	RejectBelow float64 `json:"reject_below" yaml:"reject_below"`
}

// DefaultThresholds returns the gate defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{ApproveAbove: 0.7, RejectBelow: 0.3}
}

// Decision is the quality gate outcome.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionReview  Decision = "review"
)

// Decide maps an assessment onto the gate decision: approve at or above
// the high threshold with no issues, reject at or below the low one,
// park for review otherwise.
func Decide(a Assessment, t Thresholds) Decision {
	switch {
	case a.Score >= t.ApproveAbove && len(a.Issues) == 0:
		return DecisionApprove
	case a.Score <= t.RejectBelow:
		return DecisionReject
	default:
		return DecisionReview
	}
}

// Assess grades content of the given kind. Deterministic, no I/O.
func Assess(kind storage.ContentKind, content string, raw json.RawMessage) Assessment {
	switch kind {
	case storage.ContentText:
		return assessText(content)
	case storage.ContentImageURL, storage.ContentAudioURL, storage.ContentVideoURL:
		return assessURL(content)
	case storage.ContentStructured:
		return assessStructured(content, raw)
	default:
		return Assessment{
			Score:  0,
			Issues: []string{"unknown content kind"},
		}
	}
}

// refusalMarkers are response prefixes that indicate the backend refused
// or errored instead of producing content.
var refusalMarkers = []string{
	"i'm sorry, i can't",
	"i cannot assist",
	"as an ai language model",
	"error:",
	"internal server error",
}

func assessText(content string) Assessment {
	a := Assessment{SubScores: make(map[string]float64)}

	text := strings.TrimSpace(content)
	if text == "" {
		a.Issues = append(a.Issues, "empty content")
		return a
	}

	if looksLikeHTML(text) {
		normalized, err := htmlToMarkdown(text)
		if err != nil {
			a.Issues = append(a.Issues, "malformed HTML content")
		} else {
			a.Normalized = normalized
			text = normalized
		}
	}

	lower := strings.ToLower(text)
	for _, marker := range refusalMarkers {
		if strings.HasPrefix(lower, marker) {
			a.Issues = append(a.Issues, "backend refusal or error text")
			break
		}
	}

	a.SubScores["length"] = lengthScore(len(text))
	a.SubScores["structure"] = structureScore(text)

	a.Score = (a.SubScores["length"] + a.SubScores["structure"]) / 2
	if len(a.Issues) > 0 {
		a.Score = a.Score / 2
	}
	a.Passed = a.Score >= 0.5 && len(a.Issues) == 0
	return a
}

func assessURL(content string) Assessment {
	a := Assessment{SubScores: make(map[string]float64)}

	ref := strings.TrimSpace(content)
	if ref == "" {
		a.Issues = append(a.Issues, "empty content reference")
		return a
	}

	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		a.Issues = append(a.Issues, "content reference is not an absolute URL")
		a.Score = 0.1
		return a
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		a.Issues = append(a.Issues, "unsupported URL scheme")
		a.Score = 0.2
		return a
	}

	a.SubScores["reachable_scheme"] = 1.0
	if u.Scheme == "https" {
		a.SubScores["transport"] = 1.0
	} else {
		a.SubScores["transport"] = 0.6
	}
	a.Score = (a.SubScores["reachable_scheme"] + a.SubScores["transport"]) / 2
	a.Passed = len(a.Issues) == 0
	return a
}

func assessStructured(content string, raw json.RawMessage) Assessment {
	a := Assessment{SubScores: make(map[string]float64)}

	payload := []byte(strings.TrimSpace(content))
	if len(payload) == 0 {
		payload = raw
	}
	if len(payload) == 0 {
		a.Issues = append(a.Issues, "empty structured payload")
		return a
	}

	if !json.Valid(payload) {
		a.Issues = append(a.Issues, "structured payload is not valid JSON")
		a.Score = 0.1
		return a
	}

	a.SubScores["valid_json"] = 1.0
	a.Score = 0.9
	a.Passed = true
	return a
}

// looksLikeHTML reports whether the text parses into at least one real
// HTML element beyond the implicit document skeleton.
func looksLikeHTML(s string) bool {
	if !strings.Contains(s, "<") || !strings.Contains(s, ">") {
		return false
	}
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return false
	}
	count := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "html", "head", "body":
				// Implicit skeleton nodes, not evidence of markup.
			default:
				count++
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return count > 0
}

func htmlToMarkdown(s string) (string, error) {
	converter := md.NewConverter("", true, nil)
	out, err := converter.ConvertString(s)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// lengthScore rewards substantive content and penalizes one-liners.
func lengthScore(n int) float64 {
	switch {
	case n < 10:
		return 0.2
	case n < 40:
		return 0.6
	case n < 20000:
		return 1.0
	default:
		return 0.8
	}
}

// structureScore rewards multi-line or multi-sentence content.
func structureScore(s string) float64 {
	lines := strings.Count(s, "\n") + 1
	sentences := strings.Count(s, ". ") + strings.Count(s, "! ") + strings.Count(s, "? ")
	switch {
	case lines >= 3 || sentences >= 2:
		return 1.0
	case lines == 2 || sentences == 1:
		return 0.8
	default:
		return 0.6
	}
}
