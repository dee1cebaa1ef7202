// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withMode(t *testing.T, enabled bool) {
	t.Helper()
	original := IsOfflineMode()
	SetOfflineMode(enabled)
	t.Cleanup(func() { SetOfflineMode(original) })
}

// =============================================================================
// MODE MANAGEMENT TESTS
// =============================================================================

func TestSetOfflineMode(t *testing.T) {
	withMode(t, true)
	assert.True(t, IsOfflineMode())
	assert.Equal(t, "[OFFLINE]", StatusBadge())

	SetOfflineMode(false)
	assert.False(t, IsOfflineMode())
	assert.Empty(t, StatusBadge())
}

func TestIsOfflineMode_Concurrent(t *testing.T) {
	withMode(t, false)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				SetOfflineMode(j%2 == 0)
				_ = IsOfflineMode()
			}
		}()
	}
	wg.Wait()
}

// =============================================================================
// LOCALHOST DETECTION TESTS
// =============================================================================

func TestIsLocalhost(t *testing.T) {
	tests := []struct {
		host   string
		expect bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"127.0.0.1", true},
		{"127.0.0.1:8080", true},
		{"127.1.2.3", true},
		{"::1", true},
		{"[::1]", true},
		{"[::1]:8080", true},
		{"0:0:0:0:0:0:0:1", true},

		{"example.com", false},
		{"192.168.1.1", false},
		{"10.0.0.1", false},
		{"0.0.0.0", false},
		{"", false},
		{"localhost.localdomain", false},
	}

	for _, tc := range tests {
		t.Run(tc.host, func(t *testing.T) {
			assert.Equal(t, tc.expect, IsLocalhost(tc.host))
		})
	}
}

// =============================================================================
// URL VALIDATION TESTS
// =============================================================================

func TestValidateURL_Scheme(t *testing.T) {
	withMode(t, false)

	for _, raw := range []string{
		"file:///etc/passwd",
		"javascript:alert(1)",
		"data:text/plain,hi",
		"ftp://127.0.0.1/",
	} {
		_, err := ValidateURL(raw)
		assert.ErrorIs(t, err, ErrInvalidURLScheme, raw)
	}

	_, err := ValidateURL("http://")
	assert.ErrorIs(t, err, ErrInvalidURL)
	_, err = ValidateURL("://bad")
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestValidateURL_OnlineAllowsRemote(t *testing.T) {
	withMode(t, false)

	u, err := ValidateURL("https://api.example.com/v1/chat/completions")
	require.NoError(t, err)
	assert.Equal(t, "api.example.com", u.Host)
}

func TestValidateURL_OfflineBlocksRemote(t *testing.T) {
	withMode(t, true)

	_, err := ValidateURL("https://api.example.com/v1/chat/completions")
	assert.ErrorIs(t, err, ErrNonLocalhost)

	u, err := ValidateURL("http://127.0.0.1:8080/v1/chat/completions")
	require.NoError(t, err)
	assert.Equal(t, "/v1/chat/completions", u.Path)

	_, err = ValidateURL("http://[::1]:11434")
	assert.NoError(t, err)
}

func TestCheckLoopback(t *testing.T) {
	withMode(t, false)

	assert.NoError(t, CheckLoopback("http://localhost:11434"))
	assert.ErrorIs(t, CheckLoopback("http://10.0.0.5:11434"), ErrNonLocalhost)
	assert.ErrorIs(t, CheckLoopback("unix:///tmp/sock"), ErrInvalidURLScheme)
}
