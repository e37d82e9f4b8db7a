package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		" bogus ": zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), "parseLevel(%q)", in)
	}
}

func TestInitNamed(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "debug", Format: "json", Service: "detectionflow", Writer: &buf})

	l := Named("aggregator")
	l.Info().Str("submissionId", "s-1").Msg("recomputed")

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, `"component":"aggregator"`)
	assert.Contains(t, out, `"service":"detectionflow"`)
	assert.Contains(t, out, `"submissionId":"s-1"`)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_FORMAT", "console")
	opt := FromEnv()
	assert.Equal(t, "warn", opt.Level)
	assert.Equal(t, "console", opt.Format)
	assert.Equal(t, "", opt.Service)
}
