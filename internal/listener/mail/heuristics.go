package mail

import (
	"regexp"
	"strings"
)

// Close-time thresholds for the SMTP session rules.
const (
	harvestRcptThreshold = 10 // RCPT TO count
	harvestVrfyThreshold = 5  // VRFY/EXPN count
	relayRcptThreshold   = 5  // RCPT TO count …
	relayDomainThreshold = 3  // … across distinct domains
	spamURLThreshold     = 10
)

var urlPattern = regexp.MustCompile(`(?i)https?://[^\s<>"]+`)

// hiddenContentTokens are CSS fragments spammers use to hide text from
// human readers while keeping it for filters.
var hiddenContentTokens = []string{
	"display:none", "display: none", "visibility:hidden",
	"visibility: hidden", "font-size:0", "font-size: 0", "opacity:0",
}

var spamPhrases = []string{
	"viagra", "cialis", "you have won", "claim your prize", "act now",
	"limited time offer", "100% free", "make money fast", "no credit check",
	"earn extra cash", "lose weight fast", "cheap meds", "hot singles",
	"nigerian prince", "wire transfer urgently",
}

// spamVerdict is the outcome of the DATA-body heuristic.
type spamVerdict struct {
	Spam          bool     `json:"spam"`
	URLCount      int      `json:"url_count"`
	HiddenContent bool     `json:"hidden_content"`
	Phrases       []string `json:"phrases,omitempty"`
}

// analyzeBody applies the spam heuristic: spam when the body carries more
// than ten URLs, any hidden-content CSS, or any phrase from the list.
func analyzeBody(body string) spamVerdict {
	lower := strings.ToLower(body)

	v := spamVerdict{
		URLCount: len(urlPattern.FindAllString(body, -1)),
	}
	for _, tok := range hiddenContentTokens {
		if strings.Contains(lower, tok) {
			v.HiddenContent = true
			break
		}
	}
	for _, p := range spamPhrases {
		if strings.Contains(lower, p) {
			v.Phrases = append(v.Phrases, p)
		}
	}

	v.Spam = v.URLCount > spamURLThreshold || v.HiddenContent || len(v.Phrases) > 0
	return v
}

// domainOf extracts the domain of an address like "<user@example.com>".
func domainOf(addr string) string {
	addr = strings.Trim(strings.TrimSpace(addr), "<>")
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

// addressOf extracts the address from a MAIL FROM / RCPT TO argument like
// "TO:<user@example.com>".
func addressOf(arg string) string {
	if i := strings.Index(arg, ":"); i >= 0 {
		arg = arg[i+1:]
	}
	return strings.Trim(strings.TrimSpace(arg), "<>")
}
