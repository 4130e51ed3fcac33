// Package classify maps listener-local event kinds onto the canonical
// attack taxonomy the backend scores against. The mapping is table-driven
// and deterministic: the same input always yields the same canonical kind,
// category, and base score.
package classify

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ipswamp/honeypot/internal/event"
)

// Class is one entry of the canonical taxonomy.
type Class struct {
	Type     string
	Category string
	Base     int
}

// Categories used by the taxonomy.
const (
	CatRecon     = "reconnaissance"
	CatAbuse     = "abuse"
	CatAuth      = "authentication"
	CatInjection = "injection"
	CatDoS       = "dos"
	CatIntrusion = "intrusion"
	CatMalware   = "malware"
	CatAnonymity = "anonymity"
	CatGeneral   = "general"
)

// taxonomy is the closed set of canonical kinds with category and base score.
var taxonomy = map[string]Class{
	"suspicious_user_agent": {"suspicious_user_agent", CatRecon, 2},
	"directory_listing":     {"directory_listing", CatRecon, 3},
	"excessive_404":         {"excessive_404", CatRecon, 3},
	"suspicious_query":      {"suspicious_query", CatRecon, 4},
	"fake_crawler":          {"fake_crawler", CatRecon, 4},
	"rate_limit_breach":     {"rate_limit_breach", CatAbuse, 6},
	"api_abuse":             {"api_abuse", CatAbuse, 7},
	"port_scan":             {"port_scan", CatRecon, 8},
	"comment_spam":          {"comment_spam", CatAbuse, 8},
	"honeypot":              {"honeypot", CatGeneral, 9},
	"credential_stuffing":   {"credential_stuffing", CatAuth, 11},
	"xss_attempt":           {"xss_attempt", CatInjection, 12},
	"csrf_attempt":          {"csrf_attempt", CatAuth, 12},
	"path_traversal":        {"path_traversal", CatInjection, 13},
	"auth_breach":           {"auth_breach", CatAuth, 15},
	"sqli_attempt":          {"sqli_attempt", CatInjection, 16},
	"ssh_bruteforce":        {"ssh_bruteforce", CatAuth, 18},
	"http_flood":            {"http_flood", CatDoS, 18},
	"mail_spam":             {"mail_spam", CatAbuse, 19},
	"command_injection":     {"command_injection", CatInjection, 20},
	"http_injection":        {"http_injection", CatInjection, 22},
	"data_exfiltration":     {"data_exfiltration", CatIntrusion, 25},
	"botnet_activity":       {"botnet_activity", CatMalware, 28},
	"ransomware":            {"ransomware", CatMalware, 35},
	"ddos":                  {"ddos", CatDoS, 40},
	"targeted_attack":       {"targeted_attack", CatIntrusion, 45},
	"manual":                {"manual", CatGeneral, 15},
	"tor_exit":              {"tor_exit", CatAnonymity, 10},
	"proxy_abuse":           {"proxy_abuse", CatAnonymity, 8},
	"vpn_abuse":             {"vpn_abuse", CatAnonymity, 7},
}

// aliases maps listener vocabulary onto canonical kinds. Input kinds are
// lowercased before lookup; kinds already canonical pass through.
var aliases = map[string]string{
	"sql_injection":        "sqli_attempt",
	"sqli":                 "sqli_attempt",
	"xss":                  "xss_attempt",
	"cross_site_scripting": "xss_attempt",
	"traversal":            "path_traversal",
	"directory_traversal":  "path_traversal",
	"scanner_user_agent":   "suspicious_user_agent",
	"suspicious_endpoint":  "suspicious_query",
	"login_attempt":        "auth_breach",
	"smtp_relay_attempt":   "mail_spam",
	"smtp_spam_attempt":    "mail_spam",
	"email_harvesting":     "data_exfiltration",
	"ftp_upload":           "data_exfiltration",
	"http_bruteforce":      "credential_stuffing",
	"http_bruteforce_scan": "credential_stuffing",
	"rapid_connections":    "rate_limit_breach",
}

// genericQueryKinds are the labels eligible for evidence-aware refinement.
var genericQueryKinds = map[string]bool{
	"suspicious_query":    true,
	"suspicious_endpoint": true,
	"suspicious_request":  true,
}

// Lookup resolves an internal kind to its taxonomy class without building a
// full record. Unknown kinds resolve to honeypot.
func Lookup(kind string) Class {
	k := strings.ToLower(strings.TrimSpace(kind))
	if alias, ok := aliases[k]; ok {
		k = alias
	} else if mapped, ok := protocolKind(k); ok {
		k = mapped
	}
	if c, ok := taxonomy[k]; ok {
		return c
	}
	return taxonomy["honeypot"]
}

// protocolKind resolves protocol-prefixed detection labels: `<proto>_scan`,
// `<proto>_bruteforce`, `<proto>_bruteforce_scan`.
func protocolKind(k string) (string, bool) {
	switch {
	case k == "ssh_bruteforce" || k == "ssh_bruteforce_scan":
		return "ssh_bruteforce", true
	case strings.HasSuffix(k, "_bruteforce") || strings.HasSuffix(k, "_bruteforce_scan"):
		// Non-SSH credential grinding lands on auth_breach.
		return "auth_breach", true
	case strings.HasSuffix(k, "_scan"):
		return "port_scan", true
	}
	return "", false
}

// Classify converts an observation into a canonical attack record.
// Pure: no clock other than the enhancement timestamp, no I/O.
func Classify(obs event.Observation) event.Record {
	kind := strings.ToLower(strings.TrimSpace(obs.Kind))
	cls := Lookup(kind)

	// Evidence-aware refinement only applies to generic suspicious-query
	// labels; concrete kinds keep their mapping.
	if genericQueryKinds[kind] {
		if refined, ok := refine(obs.Evidence); ok {
			cls = taxonomy[refined]
		}
	}

	sev := severityFor(cls)
	if len(obs.Evidence) > 3 || frequencyHint(obs.Evidence) > 10 {
		sev++
	}
	if sev > 5 {
		sev = 5
	}

	desc := obs.Description
	if desc == "" {
		desc = "Honeypot interaction from " + obs.SourceIP
	}

	return event.Record{
		SourceIP:    obs.SourceIP,
		Type:        cls.Type,
		Category:    cls.Category,
		Severity:    sev,
		BaseScore:   cls.Base,
		Description: desc,
		Evidence:    event.NormalizeEvidence(obs.Evidence),
		Metadata: event.Metadata{
			OriginalType: obs.Kind,
			BaseScore:    cls.Base,
			EnhancedAt:   time.Now().UTC(),
		},
	}
}

// refine inspects joined evidence for injection signatures.
func refine(evidence []string) (string, bool) {
	joined := strings.ToLower(strings.Join(evidence, " "))
	switch {
	case strings.Contains(joined, "union select") || strings.Contains(joined, "information_schema"):
		return "sqli_attempt", true
	case strings.Contains(joined, "script") && (strings.Contains(joined, "alert") || strings.Contains(joined, "cookie")):
		return "xss_attempt", true
	case strings.Contains(joined, "../") || strings.Contains(joined, "..%2f"):
		return "path_traversal", true
	}
	return "", false
}

// severityFor derives base severity from the canonical class.
func severityFor(cls Class) int {
	switch cls.Type {
	case "ssh_bruteforce", "credential_stuffing", "auth_breach":
		return 4
	case "ddos":
		return 5
	case "port_scan", "honeypot":
		return 2
	}
	switch cls.Category {
	case CatInjection:
		switch {
		case cls.Base >= 22:
			return 5
		case cls.Base >= 16:
			return 4
		default:
			return 3
		}
	case CatRecon, CatGeneral:
		return 2
	}
	// Remaining categories scale with base score.
	switch {
	case cls.Base >= 25:
		return 5
	case cls.Base >= 15:
		return 4
	case cls.Base >= 9:
		return 3
	default:
		return 2
	}
}

// frequencyHint extracts the largest numeric "frequency" field found in
// JSON-encoded evidence entries, 0 when absent.
func frequencyHint(evidence []string) int {
	max := 0
	for _, e := range evidence {
		if !strings.Contains(e, "frequency") {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(e), &m); err != nil {
			continue
		}
		if f, ok := m["frequency"].(float64); ok && int(f) > max {
			max = int(f)
		}
	}
	return max
}

// Kinds returns the canonical kind set, for diagnostics.
func Kinds() []string {
	out := make([]string, 0, len(taxonomy))
	for k := range taxonomy {
		out = append(out, k)
	}
	return out
}
