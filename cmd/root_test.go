package cmd

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baaaht/mqbus/internal/config"
	"github.com/baaaht/mqbus/pkg/types"
)

func resetFlags(t *testing.T) {
	t.Helper()
	config.SetTestConfigPath(filepath.Join(t.TempDir(), "missing.yaml"))
	t.Cleanup(func() {
		config.SetTestConfigPath("")
		cfgFile, logLevel, logFormat, logOutput = "", "", "", ""
		bindAddr, validatorCmd, metricsAddr = "", "", ""
		requestTimeout = 0
	})
}

func TestLoadConfigRequiresBindAndCmd(t *testing.T) {
	resetFlags(t)

	_, err := loadConfig()
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	bindAddr = "ipc:///tmp/auth.sock"
	_, err = loadConfig()
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestLoadConfigAppliesFlags(t *testing.T) {
	resetFlags(t)
	bindAddr = "tcp://127.0.0.1:4567"
	validatorCmd = "/usr/bin/check --quiet"
	logLevel = "debug"
	metricsAddr = "127.0.0.1:9100"
	requestTimeout = 3 * time.Second

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "tcp://127.0.0.1:4567", cfg.Bridge.Bind)
	assert.Equal(t, "/usr/bin/check --quiet", cfg.Bridge.Command)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Address)
	assert.Equal(t, 3*time.Second, cfg.Bus.RequestTimeout)
}

func TestLoadConfigRejectsBadLogLevel(t *testing.T) {
	resetFlags(t)
	bindAddr = "ipc:///tmp/auth.sock"
	validatorCmd = "true"
	logLevel = "loud"

	_, err := loadConfig()
	assert.Error(t, err)
}

func TestMetricsServerUsesConfiguredPath(t *testing.T) {
	srv := newMetricsServer(config.MetricsConfig{Address: "127.0.0.1:0", Path: "/metrics"}, prometheus.NewRegistry())
	assert.Equal(t, "127.0.0.1:0", srv.Addr)
	assert.NotNil(t, srv.Handler)
}
