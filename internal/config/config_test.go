package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestValidateRejectsEmptyRequiredFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty key file", func(c *Config) { c.Identity.KeyFile = "" }},
		{"empty data dir", func(c *Config) { c.Paths.DataDir = "" }},
		{"empty db file", func(c *Config) { c.Paths.DBFile = "" }},
		{"empty images dir", func(c *Config) { c.Paths.ImagesDir = "" }},
		{"empty mdns tag", func(c *Config) { c.Transport.MdnsTag = "" }},
		{"empty listen addr", func(c *Config) { c.Transport.ListenAddr = "" }},
		{"malformed listen addr", func(c *Config) { c.Transport.ListenAddr = "not-a-multiaddr" }},
		{"db file equals images dir", func(c *Config) { c.Paths.ImagesDir = c.Paths.DBFile }},
		{"negative dedup watermark", func(c *Config) { c.Mesh.DedupWatermark = -1 }},
		{"tower enabled without adapter", func(c *Config) { c.Tower.Enabled = true; c.Tower.AdapterID = "" }},
		{"empty call interface", func(c *Config) { c.Call.Interface = "" }},
		{"control enabled without addr", func(c *Config) { c.Call.ControlEnabled = true; c.Call.ControlAddr = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateRejectsInvalidUsername(t *testing.T) {
	cfg := Default()
	cfg.Identity.Username = "has space"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for a username containing a space")
	}
}

func TestEnsureCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first run")
	}
	if cfg.Transport.MdnsTag != Default().Transport.MdnsTag {
		t.Fatalf("expected default mdns tag, got %q", cfg.Transport.MdnsTag)
	}

	again, created2, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure (second run): %v", err)
	}
	if created2 {
		t.Fatal("expected created=false once the file exists")
	}
	if again.Identity.KeyFile != cfg.Identity.KeyFile {
		t.Fatalf("expected persisted config to round-trip, got %+v vs %+v", again, cfg)
	}
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.Paths.DataDir = ""
	if err := Save(path, cfg); err == nil {
		t.Fatal("expected Save to reject an invalid config")
	}
}
