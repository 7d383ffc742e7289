package commands

import (
	"testing"

	"github.com/cubeharvest/cubeharvest/pkg/config"
)

func TestApplyRunFlags(t *testing.T) {
	tests := []struct {
		name      string
		listen    string
		noChaos   bool
		wantChaos bool
		wantAddr  string
	}{
		{name: "defaults", wantChaos: true, wantAddr: ":8080"},
		{name: "no chaos", noChaos: true, wantChaos: false, wantAddr: ":8080"},
		{name: "listen", listen: ":9090", wantChaos: true, wantAddr: ":9090"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			applyRunFlags(cfg, tt.listen, tt.noChaos, "1.2.3")
			if cfg.Chaos.Enabled != tt.wantChaos {
				t.Errorf("chaos enabled = %v, want %v", cfg.Chaos.Enabled, tt.wantChaos)
			}
			if cfg.API.Listen != tt.wantAddr {
				t.Errorf("listen = %q, want %q", cfg.API.Listen, tt.wantAddr)
			}
			if cfg.Telemetry.ServiceVersion != "1.2.3" {
				t.Errorf("service version = %q", cfg.Telemetry.ServiceVersion)
			}
		})
	}
}
