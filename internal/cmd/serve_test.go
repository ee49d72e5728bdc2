package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/procverify/internal/config"
	"github.com/3leaps/procverify/internal/observability"
	"github.com/3leaps/procverify/internal/server/handlers"
)

func TestSignalHealthChecker(t *testing.T) {
	checker := signalHealthChecker{}

	t.Run("always returns nil", func(t *testing.T) {
		err := checker.CheckHealth(context.Background())
		assert.NoError(t, err)
	})
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		wantErr    bool
		errContain string
	}{
		{
			name:       "all fields valid",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    false,
		},
		{
			name:       "missing binary name",
			binaryName: "",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing binary name",
		},
		{
			name:       "missing env prefix",
			binaryName: "myapp",
			envPrefix:  "",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing env prefix",
		},
		{
			name:       "missing config name",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "",
			wantErr:    true,
			errContain: "missing config name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type failingHealth struct{}

func (failingHealth) Health(context.Context) error { return errors.New("provider unreachable") }

func TestBackendHealthChecker(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, backendHealthChecker{backend: struct{}{}}.CheckHealth(ctx))

	err := backendHealthChecker{backend: failingHealth{}}.CheckHealth(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider unreachable")
}

func TestRegisterBackendChecks(t *testing.T) {
	require.NoError(t, observability.InitServerLogger("test", "error", observability.ProfileStructured))

	cfg := &config.Config{Backends: map[string]config.BackendConfig{
		"alice": {Kind: "local", Settings: map[string]any{}},
		"vault": {Kind: "memory", Settings: map[string]any{}},
		"ghost": {Kind: "nope", Settings: map[string]any{}},
	}}
	hm := handlers.NewHealthManager("test")

	built := registerBackendChecks(context.Background(), cfg, hm)
	assert.Len(t, built, 2)
	assert.ElementsMatch(t, []string{"backend:alice", "backend:ghost", "backend:vault"}, hm.CheckerNames())
}
