package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Mode != "store" {
		t.Errorf("Mode = %q, want store", cfg.Mode)
	}
	if cfg.RetryInterval() != 30*time.Second {
		t.Errorf("RetryInterval = %s, want 30s", cfg.RetryInterval())
	}
	if cfg.MaxAttempts() != 8 {
		t.Errorf("MaxAttempts = %d, want 8", cfg.MaxAttempts())
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := NewTestConfig()
	cfg.Mode = "bogus"
	cfg.JWTSigningKey = "x"
	cfg.SecretboxKeyHex = "x"
	cfg.SenderHashSalt = "x"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid mode")
	}
}

func TestValidateRequiresStoreSecrets(t *testing.T) {
	cfg := NewTestConfig()
	cfg.Mode = "store"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing secrets in store mode")
	}
}

func TestMutableFieldsConcurrentAccess(t *testing.T) {
	cfg := NewTestConfig()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			cfg.SetRetryInterval(time.Duration(i) * time.Millisecond)
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		_ = cfg.RetryInterval()
	}
	<-done
}
