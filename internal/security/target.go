// Package security validates backend targets before the gateway will
// forward traffic to them.
package security

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// Target validation errors
var (
	ErrEmptyTarget     = errors.New("target cannot be empty")
	ErrTargetTooLong   = errors.New("target exceeds maximum length")
	ErrInvalidTarget   = errors.New("invalid target URL")
	ErrInvalidScheme   = errors.New("target must use http or https scheme")
	ErrDangerousScheme = errors.New("dangerous target scheme detected")
	ErrBlockedHost     = errors.New("target host is blocked")
	ErrPrivateHost     = errors.New("private target hosts not allowed")
)

// dangerousSchemes contains URL schemes that can execute code.
var dangerousSchemes = map[string]bool{
	"javascript": true,
	"data":       true,
	"vbscript":   true,
	"file":       true,
}

// Config holds target validator configuration.
type Config struct {
	MaxTargetLength   int      // Maximum allowed target URL length
	AllowPrivateHosts bool     // Allow localhost, 10.x, 192.168.x, etc.
	BlockedHosts      []string // Explicitly blocked hostnames
}

// DefaultConfig returns the default validator configuration. Private
// hosts are allowed because backends usually live on internal networks;
// deployments that forward to operator-supplied public targets turn
// this off.
func DefaultConfig() Config {
	return Config{
		MaxTargetLength:   2048,
		AllowPrivateHosts: true,
		BlockedHosts:      nil,
	}
}

// TargetValidator checks that backend target URLs are safe to forward to.
type TargetValidator struct {
	config       Config
	blockedHosts map[string]bool
}

// NewTargetValidator creates a validator for backend targets.
func NewTargetValidator(cfg Config) *TargetValidator {
	blockedHosts := make(map[string]bool)
	for _, host := range cfg.BlockedHosts {
		blockedHosts[strings.ToLower(host)] = true
	}

	return &TargetValidator{
		config:       cfg,
		blockedHosts: blockedHosts,
	}
}

// Validate checks a backend target and returns its parsed form so
// callers keep the canonical URL.
func (v *TargetValidator) Validate(rawTarget string) (*url.URL, error) {
	rawTarget = strings.TrimSpace(rawTarget)
	if rawTarget == "" {
		return nil, ErrEmptyTarget
	}

	if len(rawTarget) > v.config.MaxTargetLength {
		return nil, ErrTargetTooLong
	}

	u, err := url.Parse(rawTarget)
	if err != nil {
		return nil, ErrInvalidTarget
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return nil, ErrInvalidScheme
	}

	if dangerousSchemes[scheme] {
		return nil, ErrDangerousScheme
	}

	if scheme != "http" && scheme != "https" {
		return nil, ErrInvalidScheme
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, ErrInvalidTarget
	}

	if v.isBlockedHost(host) {
		return nil, ErrBlockedHost
	}

	if !v.config.AllowPrivateHosts {
		if isPrivateHost(host) {
			return nil, ErrPrivateHost
		}
	}

	return u, nil
}

// isBlockedHost checks if a host or any of its parent domains is blocked.
func (v *TargetValidator) isBlockedHost(host string) bool {
	if v.blockedHosts[host] {
		return true
	}

	parts := strings.Split(host, ".")
	for i := 1; i < len(parts); i++ {
		parent := strings.Join(parts[i:], ".")
		if v.blockedHosts[parent] {
			return true
		}
	}

	return false
}

// isPrivateHost checks if a host is a private/local address.
func isPrivateHost(host string) bool {
	if host == "localhost" {
		return true
	}

	return isPrivateIP(host)
}

// isPrivateIP checks if an IP address is private/local.
func isPrivateIP(ipStr string) bool {
	// Handle IPv6 addresses in brackets
	ipStr = strings.TrimPrefix(ipStr, "[")
	ipStr = strings.TrimSuffix(ipStr, "]")

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	if ip.IsLoopback() {
		return true
	}

	if ip.IsPrivate() {
		return true
	}

	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}

	// 0.0.0.0 or ::
	if ip.IsUnspecified() {
		return true
	}

	return false
}
