package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 3, cfg.Escrow.HoldBusinessDays)
	assert.Equal(t, time.Duration(0), cfg.Escrow.HoldPeriod)
	assert.Equal(t, 72*time.Hour, cfg.Escrow.DisputeWindow)
	assert.Equal(t, 5, cfg.Workflow.MaxStepAttempts)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, time.Second, cfg.Notify.RelayInterval)
	assert.Equal(t, "logs", cfg.Logging.Dir)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ESCROW_HOLD_PERIOD", "90m")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("WORKFLOW_MAX_STEP_ATTEMPTS", "7")
	t.Setenv("KAFKA_ENABLED", "false")
	t.Setenv("WORKFLOW_TICK_INTERVAL", "not-a-duration")
	t.Setenv("AUTH_OPERATORS", "ops-1,ops-2")

	cfg := Load()

	assert.Equal(t, 90*time.Minute, cfg.Escrow.HoldPeriod)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 7, cfg.Workflow.MaxStepAttempts)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"ops-1", "ops-2"}, cfg.Auth.Operators)
	assert.Equal(t, 5*time.Second, cfg.Workflow.TickInterval, "invalid values fall back to defaults")
}
