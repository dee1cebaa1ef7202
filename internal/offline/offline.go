// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"errors"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNonLocalhost is returned for a non-loopback endpoint in offline mode.
	ErrNonLocalhost = errors.New("offline mode: only localhost endpoints are reachable")

	// ErrInvalidURLScheme is returned when the URL scheme is not http or https.
	ErrInvalidURLScheme = errors.New("only http and https endpoints are allowed")

	// ErrInvalidURL is returned when the URL cannot be parsed or has no host.
	ErrInvalidURL = errors.New("invalid endpoint URL")
)

// =============================================================================
// MODE MANAGEMENT
// =============================================================================

var offlineMode atomic.Bool

// SetOfflineMode enables or disables offline mode for the process.
// When enabled, hosted models are only reachable on loopback addresses.
func SetOfflineMode(enabled bool) {
	offlineMode.Store(enabled)
}

// IsOfflineMode returns true if offline mode is currently enabled.
func IsOfflineMode() bool {
	return offlineMode.Load()
}

// =============================================================================
// URL VALIDATION
// =============================================================================

// IsLocalhost reports whether host (optionally with a port) is a loopback
// name or address. Every 127.0.0.0/8 address and every spelling of ::1 counts.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))

	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// CheckLoopback parses rawURL and requires an http(s) scheme and a loopback
// host, regardless of the current mode.
func CheckLoopback(rawURL string) error {
	u, err := parse(rawURL)
	if err != nil {
		return err
	}
	if !IsLocalhost(u.Hostname()) {
		return ErrNonLocalhost
	}
	return nil
}

// ValidateURL checks an endpoint before a request is made. The scheme is
// always checked; the loopback restriction applies only in offline mode.
func ValidateURL(rawURL string) (*url.URL, error) {
	u, err := parse(rawURL)
	if err != nil {
		return nil, err
	}
	if IsOfflineMode() && !IsLocalhost(u.Hostname()) {
		return nil, ErrNonLocalhost
	}
	return u, nil
}

func parse(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, ErrInvalidURL
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, ErrInvalidURLScheme
	}
	if u.Host == "" {
		return nil, ErrInvalidURL
	}
	return u, nil
}

// =============================================================================
// STATUS DISPLAY
// =============================================================================

// StatusBadge returns "[OFFLINE]" when offline, empty string otherwise.
func StatusBadge() string {
	if IsOfflineMode() {
		return "[OFFLINE]"
	}
	return ""
}
