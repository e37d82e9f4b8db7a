package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPrefixAndKey(t *testing.T) {
	c := New().Prefix("DETECTION_")
	assert.Equal(t, "DETECTION_TIMEOUT", c.key("TIMEOUT"))
	assert.Equal(t, "DETECTION_HTTP_TOKEN", c.Prefix("HTTP_").key("TOKEN"))
}

func TestMustString(t *testing.T) {
	c := New().Prefix("APP_")
	t.Setenv("APP_BUCKET", "  uploads ")
	assert.Equal(t, "uploads", c.MustString("BUCKET"))
	assert.Panics(t, func() { _ = c.MustString("MISSING") })
}

func TestMayValues(t *testing.T) {
	c := New().Prefix("T_")
	t.Setenv("T_WORKERS", "8")
	t.Setenv("T_BAD_INT", "eight")
	t.Setenv("T_MAX", "1048576")
	t.Setenv("T_ON", "true")
	t.Setenv("T_TIMEOUT", "90s")
	t.Setenv("T_BAD_DUR", "soon")
	t.Setenv("T_ORIGINS", " http://a , ,http://b ")

	assert.Equal(t, 8, c.MayInt("WORKERS", 2))
	assert.Equal(t, 2, c.MayInt("BAD_INT", 2))
	assert.Equal(t, 2, c.MayInt("ABSENT", 2))
	assert.Equal(t, int64(1048576), c.MayInt64("MAX", 1))
	assert.True(t, c.MayBool("ON", false))
	assert.Equal(t, 90*time.Second, c.MayDuration("TIMEOUT", time.Second))
	assert.Equal(t, time.Second, c.MayDuration("BAD_DUR", time.Second))
	assert.Equal(t, []string{"http://a", "http://b"}, c.MayCSV("ORIGINS", nil))
	assert.Equal(t, "fallback", c.MayString("ABSENT", "fallback"))
}

func TestMayEnum(t *testing.T) {
	c := New()
	t.Setenv("DISPATCH_MODE", "Inline")
	assert.Equal(t, "inline", c.MayEnum("DISPATCH_MODE", "workflow", "workflow", "inline"))
	assert.Equal(t, "http", c.MayEnum("UNSET_BACKEND", "http", "http", "vertex"))

	t.Setenv("DISPATCH_MODE", "carrier-pigeon")
	assert.Panics(t, func() { _ = c.MayEnum("DISPATCH_MODE", "workflow", "workflow", "inline") })
}
