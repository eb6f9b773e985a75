package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	valid := config{DatabaseURL: "postgres://localhost/txcoord", MaxConns: 4}
	require.NoError(t, valid.validate())

	tests := []struct {
		name   string
		mutate func(c *config)
		want   string
	}{
		{"missing dsn", func(c *config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"zero conns", func(c *config) { c.MaxConns = 0 }, "max connections"},
		{"negative timeout", func(c *config) { c.DefaultTimeout = -time.Second }, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.ErrorContains(t, c.validate(), tt.want)
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TXPROBE_STR", "debug")
	t.Setenv("TXPROBE_INT", "25")
	t.Setenv("TXPROBE_BAD_INT", "many")
	t.Setenv("TXPROBE_DUR", "1500ms")
	t.Setenv("TXPROBE_BOOL", "false")

	assert.Equal(t, "debug", getEnv("TXPROBE_STR", "info"))
	assert.Equal(t, "info", getEnv("TXPROBE_UNSET", "info"))
	assert.Equal(t, 25, getEnvInt("TXPROBE_INT", 10))
	assert.Equal(t, 10, getEnvInt("TXPROBE_BAD_INT", 10))
	assert.Equal(t, 1500*time.Millisecond, getEnvDuration("TXPROBE_DUR", 0))
	assert.Equal(t, time.Second, getEnvDuration("TXPROBE_UNSET", time.Second))
	assert.False(t, getEnvBool("TXPROBE_BOOL", true))
	assert.True(t, getEnvBool("TXPROBE_UNSET", true))
}

func TestScenarioNames(t *testing.T) {
	assert.Equal(t, []string{
		"nested", "never", "read-only", "required", "requires-new", "rollback-only", "timeout",
	}, scenarioNames())
}

func TestRootCmd_RejectsBeforeConnecting(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	run := func(args ...string) error {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(args)
		return cmd.Execute()
	}

	assert.ErrorContains(t, run("probe", "required"), "DATABASE_URL")
	assert.ErrorContains(t, run("--dsn", "postgres://localhost/txcoord", "probe", "sideways"), "invalid argument")
	assert.ErrorContains(t, run("--dsn", "postgres://localhost/txcoord", "--max-conns", "0", "journal"), "max connections")
	assert.ErrorContains(t, run("--dsn", "postgres://localhost/txcoord", "journal", "publish", "not-a-uuid"), "invalid journal entry id")
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"01890a5d-ac96-774b-bcce-b302099a8057"})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "01890a5d-ac96-774b-bcce-b302099a8057", ids[0].String())

	_, err = parseIDs([]string{"01890a5d-ac96-774b-bcce-b302099a8057", "nope"})
	assert.ErrorContains(t, err, `"nope"`)
}
