package mqtt_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/murmur/internal/bus/mqtt"
)

func TestLoadTLS(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.pem")
	if err := os.WriteFile(junk, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name          string
		ca, cert, key string
		wantErr       bool
	}{
		{name: "system roots"},
		{name: "missing ca", ca: filepath.Join(dir, "nope.pem"), wantErr: true},
		{name: "ca without certificates", ca: junk, wantErr: true},
		{name: "cert without key", cert: junk, wantErr: true},
		{name: "bad key pair", cert: junk, key: junk, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := mqtt.LoadTLS(tc.ca, tc.cert, tc.key, false)
			if tc.wantErr {
				if err == nil {
					t.Fatal("LoadTLS() succeeded")
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadTLS() = %v", err)
			}
			if cfg.RootCAs != nil {
				t.Error("RootCAs set without a ca file")
			}
		})
	}
}
