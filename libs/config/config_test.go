package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Setenv("INKSLOT_TEST_PORT", "9090")
	t.Setenv("INKSLOT_TEST_ORIGINS", "https://a.example, https://b.example")

	var cfg struct {
		Port    string `envconfig:"INKSLOT_TEST_PORT" default:"8080"`
		Missing int    `envconfig:"INKSLOT_TEST_MISSING" default:"48"`
		Origins string `envconfig:"INKSLOT_TEST_ORIGINS"`
	}
	require.NoError(t, Load(&cfg))
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 48, cfg.Missing)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, SplitList(cfg.Origins))
}

func TestLoad_Required(t *testing.T) {
	var cfg struct {
		DSN string `envconfig:"INKSLOT_TEST_REQUIRED_DSN" required:"true"`
	}
	require.Error(t, Load(&cfg))
}

func TestPort(t *testing.T) {
	t.Setenv("INKSLOT_TEST_BAD_PORT", "99999")
	if _, err := Port("INKSLOT_TEST_BAD_PORT", "8080"); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
	p, err := Port("INKSLOT_TEST_UNSET_PORT", "8085")
	if err != nil || p != "8085" {
		t.Fatalf("expected fallback port, got %q err=%v", p, err)
	}
}
