package httpserver

import (
	"net/http"
	"net/url"
	"strings"
)

// systemPaths are excluded from attack detection and from the 404 handler.
// They belong to the diagnostics surface.
var systemPaths = map[string]bool{
	"/monitor":                true,
	"/api-diagnostics":        true,
	"/test-heartbeat":         true,
	"/debug":                  true,
	"/offline-attacks":        true,
	"/upload-offline-attacks": true,
}

// IsSystemPath reports whether a request path belongs to the diagnostics
// surface.
func IsSystemPath(path string) bool {
	return systemPaths[path]
}

// suspiciousEndpoints are paths attackers probe for.
var suspiciousEndpoints = []string{
	"/admin", "/wp-admin", "/wp-login.php", "/phpmyadmin", "/.git",
	"/.env", "/.htaccess", "/config.php", "/backup", "/db.sql",
	"/administrator", "/manager/html", "/cgi-bin", "/.ssh", "/.aws",
	"/actuator", "/api/v1/pods", "/id_rsa", "/server-status",
}

var sqliTokens = []string{
	"union select", "or 1=1", "' or '", "\" or \"", "information_schema",
	"sleep(", "benchmark(", "into outfile", "load_file", "waitfor delay",
	"; drop table", "'; exec", "0x31303235343830303536",
}

var commandTokens = []string{
	"; ls", "| ls", "; cat ", "| cat ", "&& cat ", "; id", "| id",
	"; whoami", "| whoami", "$(", "`id`", "; wget ", "; curl ",
	"| nc ", "/bin/sh", "/bin/bash", "; rm -rf",
}

var xssTokens = []string{
	"<script", "javascript:", "onerror=", "onload=", "onmouseover=",
	"document.cookie", "alert(", "eval(", "<iframe", "<svg",
}

var traversalTokens = []string{
	"../", "..\\", "..%2f", "..%5c", "%2e%2e%2f", "etc/passwd",
	"etc/shadow", "boot.ini", "win.ini",
}

// scannerAgents are user-agent substrings of known scanning tools.
var scannerAgents = []string{
	"sqlmap", "nikto", "nmap", "masscan", "zgrab", "gobuster",
	"dirbuster", "wpscan", "hydra", "medusa", "nuclei",
}

// finding is the outcome of request inspection.
type finding struct {
	kind        string
	description string
	matched     string
}

// inspect applies the content rules in their fixed order: suspicious
// endpoint, SQL injection, command injection, XSS, path traversal, scanner
// user-agent. The first match wins.
func inspect(r *http.Request) (finding, bool) {
	path := strings.ToLower(r.URL.Path)
	rawQuery, _ := url.QueryUnescape(r.URL.RawQuery)
	haystack := strings.ToLower(path + "?" + rawQuery)

	for _, ep := range suspiciousEndpoints {
		if strings.HasPrefix(path, ep) {
			return finding{
				kind:        "suspicious_endpoint",
				description: "Probe of suspicious endpoint " + r.URL.Path,
				matched:     ep,
			}, true
		}
	}
	if tok, ok := matchAny(haystack, sqliTokens); ok {
		return finding{
			kind:        "sql_injection",
			description: "SQL injection pattern in request",
			matched:     tok,
		}, true
	}
	if tok, ok := matchAny(haystack, commandTokens); ok {
		return finding{
			kind:        "command_injection",
			description: "Command injection pattern in request",
			matched:     tok,
		}, true
	}
	if tok, ok := matchAny(haystack, xssTokens); ok {
		return finding{
			kind:        "xss",
			description: "Cross-site scripting pattern in request",
			matched:     tok,
		}, true
	}
	if tok, ok := matchAny(haystack, traversalTokens); ok {
		return finding{
			kind:        "path_traversal",
			description: "Path traversal pattern in request",
			matched:     tok,
		}, true
	}
	ua := strings.ToLower(r.UserAgent())
	if tok, ok := matchAny(ua, scannerAgents); ok {
		return finding{
			kind:        "scanner_user_agent",
			description: "Known scanner user agent " + tok,
			matched:     tok,
		}, true
	}
	return finding{}, false
}

func matchAny(haystack string, tokens []string) (string, bool) {
	for _, tok := range tokens {
		if strings.Contains(haystack, tok) {
			return tok, true
		}
	}
	return "", false
}
