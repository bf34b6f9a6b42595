package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
	"strings"
)

var (
	secretPattern   = regexp.MustCompile(`(?i)(password|token|secret|key|pepper)=([^\s&]+)`)
	credsPattern    = regexp.MustCompile(`(://[^:/@\s]+:)([^@\s]+)@`)
	fragmentPattern = regexp.MustCompile(`#[A-Za-z0-9]+_[0-9a-fA-F]{64}`)
)

// RedactContent never returns any part of the ciphertext. Only its size is
// useful to an operator.
func RedactContent(content string) string {
	if len(content) == 0 {
		return ""
	}
	return "[REDACTED]"
}

// RedactDSN masks the password portion of a connection URL.
func RedactDSN(dsn string) string {
	return credsPattern.ReplaceAllString(dsn, "${1}[REDACTED]@")
}
func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}
func RedactSensitive(key, val string) string {
	lower := strings.ToLower(key)
	isSensitive := strings.Contains(lower, "password") ||
		strings.Contains(lower, "token") ||
		strings.Contains(lower, "secret") ||
		strings.Contains(lower, "key")
	if !isSensitive {
		return val
	}
	if len(val) <= 3 {
		return "***"
	}
	return val[:2] + "***" + val[len(val)-2:]
}

// RedactLogLine strips credentials and share-link fragments from free text.
func RedactLogLine(line string) string {
	line = fragmentPattern.ReplaceAllString(line, "#[FRAGMENT-REDACTED]")
	line = credsPattern.ReplaceAllString(line, "${1}[REDACTED]@")
	line = secretPattern.ReplaceAllString(line, "$1=[REDACTED]")
	return line
}
