package classify

import (
	"testing"

	"github.com/ipswamp/honeypot/internal/event"
)

func obs(kind string, evidence ...string) event.Observation {
	return event.Observation{
		SourceIP: "1.2.3.4",
		Protocol: "http",
		Kind:     kind,
		Evidence: evidence,
	}
}

func TestDeterminism(t *testing.T) {
	o := obs("sql_injection", `{"query":"' OR 1=1--"}`)
	a := Classify(o)
	b := Classify(o)
	if a.Type != b.Type || a.Category != b.Category || a.BaseScore != b.BaseScore || a.Severity != b.Severity {
		t.Fatalf("classification not deterministic: %+v vs %+v", a, b)
	}
}

func TestClosedTaxonomy(t *testing.T) {
	inputs := []string{
		"sql_injection", "ssh_bruteforce", "ftp_scan", "imap_bruteforce",
		"smtp_relay_attempt", "email_harvesting", "garbage", "", "PORT_SCAN",
		"http_bruteforce_scan", "suspicious_endpoint", "ftp_upload",
	}
	valid := make(map[string]bool)
	for _, k := range Kinds() {
		valid[k] = true
	}
	for _, in := range inputs {
		rec := Classify(obs(in))
		if !valid[rec.Type] {
			t.Errorf("Classify(%q) produced %q, outside the taxonomy", in, rec.Type)
		}
	}
}

func TestProtocolSuffixMapping(t *testing.T) {
	cases := map[string]string{
		"ssh_scan":            "port_scan",
		"mysql_scan":          "port_scan",
		"ssh_bruteforce":      "ssh_bruteforce",
		"ssh_bruteforce_scan": "ssh_bruteforce",
		"ftp_bruteforce":      "auth_breach",
		"pop3_bruteforce":     "auth_breach",
		"http_bruteforce":     "credential_stuffing",
		"smtp_relay_attempt":  "mail_spam",
		"email_harvesting":    "data_exfiltration",
	}
	for in, want := range cases {
		if got := Classify(obs(in)).Type; got != want {
			t.Errorf("Classify(%q).Type = %q, want %q", in, got, want)
		}
	}
}

func TestUnknownFallsBackToHoneypot(t *testing.T) {
	rec := Classify(obs("totally_unknown"))
	if rec.Type != "honeypot" {
		t.Fatalf("Type = %q, want honeypot", rec.Type)
	}
	if rec.BaseScore != 9 {
		t.Errorf("BaseScore = %d, want 9", rec.BaseScore)
	}
	if rec.Severity != 2 {
		t.Errorf("Severity = %d, want 2", rec.Severity)
	}
	if rec.Metadata.OriginalType != "totally_unknown" {
		t.Errorf("OriginalType = %q", rec.Metadata.OriginalType)
	}
}

func TestEvidenceRefinement(t *testing.T) {
	cases := []struct {
		evidence []string
		want     string
	}{
		{[]string{"q=1 union select password from users"}, "sqli_attempt"},
		{[]string{"path=/search", "information_schema.tables"}, "sqli_attempt"},
		{[]string{"<script>alert(1)</script>"}, "xss_attempt"},
		{[]string{"<script>document.cookie</script>"}, "xss_attempt"},
		{[]string{"file=../../etc/passwd"}, "path_traversal"},
		{[]string{"file=..%2f..%2fetc%2fshadow"}, "path_traversal"},
		{[]string{"plain lookup"}, "suspicious_query"},
	}
	for _, tc := range cases {
		rec := Classify(obs("suspicious_query", tc.evidence...))
		if rec.Type != tc.want {
			t.Errorf("refine(%v) = %q, want %q", tc.evidence, rec.Type, tc.want)
		}
	}
}

func TestRefinementOnlyForGenericKinds(t *testing.T) {
	// A concrete kind keeps its mapping even with SQLi-looking evidence.
	rec := Classify(obs("xss", "union select 1"))
	if rec.Type != "xss_attempt" {
		t.Errorf("concrete kind was refined: %q", rec.Type)
	}
}

func TestSeverity(t *testing.T) {
	if got := Classify(obs("sql_injection")).Severity; got < 4 {
		t.Errorf("sqli severity = %d, want >= 4", got)
	}
	if got := Classify(obs("ssh_bruteforce")).Severity; got != 4 {
		t.Errorf("bruteforce severity = %d, want 4", got)
	}
	if got := Classify(obs("ssh_scan")).Severity; got != 2 {
		t.Errorf("port_scan severity = %d, want 2", got)
	}
}

func TestSeverityEscalation(t *testing.T) {
	// More than three evidence entries bumps severity by one.
	rec := Classify(obs("ssh_scan", "a", "b", "c", "d"))
	if rec.Severity != 3 {
		t.Errorf("escalated severity = %d, want 3", rec.Severity)
	}

	// A frequency hint above 10 does the same.
	rec = Classify(obs("ssh_scan", `{"frequency":25}`))
	if rec.Severity != 3 {
		t.Errorf("frequency severity = %d, want 3", rec.Severity)
	}

	// Severity is capped at five.
	rec = Classify(obs("http_injection", "a", "b", "c", "d"))
	if rec.Severity != 5 {
		t.Errorf("capped severity = %d, want 5", rec.Severity)
	}
}

func TestEvidenceAlwaysStringSlice(t *testing.T) {
	rec := Classify(obs("ssh_scan"))
	if rec.Evidence == nil {
		t.Fatal("evidence must be non-nil for the report payload")
	}
}
