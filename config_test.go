package oauth

import (
	"testing"
)

func TestApplyConfigDefaults(t *testing.T) {
	config := applyConfigDefaults(nil)

	if config.RateLimit.Rate != DefaultRateLimit {
		t.Errorf("RateLimit.Rate = %v, want %v", config.RateLimit.Rate, DefaultRateLimit)
	}
	if config.RateLimit.Burst != DefaultRateLimitBurst {
		t.Errorf("RateLimit.Burst = %d, want %d", config.RateLimit.Burst, DefaultRateLimitBurst)
	}
	if config.TrustedProxyCount != 1 {
		t.Errorf("TrustedProxyCount = %d, want 1", config.TrustedProxyCount)
	}
	if config.Logger == nil {
		t.Error("Logger should default to slog.Default()")
	}
}

func TestApplyConfigDefaults_KeepsExplicitValues(t *testing.T) {
	config := applyConfigDefaults(&Config{
		Issuer:            "https://auth.example.com/",
		RateLimit:         RateLimitConfig{Rate: -1, Burst: 5},
		TrustedProxyCount: 2,
	})

	if config.Issuer != "https://auth.example.com" {
		t.Errorf("Issuer = %q, trailing slash should be trimmed", config.Issuer)
	}
	if config.RateLimit.Rate != -1 {
		t.Errorf("RateLimit.Rate = %v, negative rate must be kept to disable limiting", config.RateLimit.Rate)
	}
	if config.RateLimit.Burst != 5 {
		t.Errorf("RateLimit.Burst = %d, want 5", config.RateLimit.Burst)
	}
	if config.TrustedProxyCount != 2 {
		t.Errorf("TrustedProxyCount = %d, want 2", config.TrustedProxyCount)
	}
}

func TestConfig_Endpoints(t *testing.T) {
	config := applyConfigDefaults(&Config{Issuer: "https://auth.example.com"})

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"authorization", config.AuthorizationEndpoint(), "https://auth.example.com/oauth/authorize"},
		{"token", config.TokenEndpoint(), "https://auth.example.com/oauth/token"},
		{"registration", config.RegistrationEndpoint(), "https://auth.example.com/oauth/register"},
		{"revocation", config.RevocationEndpoint(), "https://auth.example.com/oauth/revoke"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("endpoint = %q, want %q", tt.got, tt.want)
			}
		})
	}
}
