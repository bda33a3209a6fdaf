package port_test

import (
	"os"
	"testing"

	"github.com/hopper-run/hopper/internal/hoppercore"
	"github.com/hopper-run/hopper/internal/port"
)

func TestNewPortManager(t *testing.T) {
	pm := port.NewPortManager(hoppercore.NoOpLogger{})
	if pm == nil {
		t.Fatal("expected PortManager to be created")
	}
}

func TestPortManager_GetPortStrategy(t *testing.T) {
	pm := port.NewPortManager(hoppercore.NoOpLogger{})
	strategy := pm.GetPortStrategy()
	if strategy.Port == 0 {
		t.Error("expected port strategy to have a port")
	}
}

func TestPortManager_DeterminePort(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected func(int) bool
	}{
		{
			name:    "explicit port from env",
			envVars: map[string]string{"PORT": "9999"},
			expected: func(p int) bool {
				return p == 9999
			},
		},
		{
			name:    "auto discovery",
			envVars: map[string]string{},
			expected: func(p int) bool {
				return p >= 8080 && p <= 8090
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}
			defer func() {
				for k := range tt.envVars {
					os.Unsetenv(k)
				}
			}()

			pm := port.NewPortManager(hoppercore.NoOpLogger{})
			p := pm.DeterminePort()
			if !tt.expected(p) {
				t.Errorf("port %d did not meet expectations", p)
			}
		})
	}
}

func TestPortManager_GetServerAddress(t *testing.T) {
	pm := port.NewPortManager(hoppercore.NoOpLogger{})
	addr := pm.GetServerAddress(8080)
	if addr == "" {
		t.Error("expected server address to be non-empty")
	}
}

func TestPortManager_GetPublicURL(t *testing.T) {
	pm := port.NewPortManager(hoppercore.NoOpLogger{})
	url := pm.GetPublicURL(8080)
	if url == "" || url[:4] != "http" {
		t.Errorf("invalid public URL format: %s", url)
	}
}

func TestPortManager_ValidatePort(t *testing.T) {
	pm := port.NewPortManager(hoppercore.NoOpLogger{})
	for _, p := range []int{8080, 80, 65535, 0, -1, 65536} {
		_ = pm.ValidatePort(p)
	}
}
