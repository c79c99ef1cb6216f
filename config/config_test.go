package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gibbonhq/gibbons/config"
)

func TestDefaultValidates(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestValidateReportsEveryViolation(t *testing.T) {
	cfg := &config.Config{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for zero-value config")
	}
	msg := err.Error()
	for _, want := range []string{"dbName", "permissionByteLength", "groupByteLength", "mutationConcurrency"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected validation error to mention %q, got %q", want, msg)
		}
	}
}

func TestLoadParsesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gibbons.toml")
	body := `
dbName = "acme"
permissionByteLength = 2
groupByteLength = 1
mutationConcurrency = 8

[dbStructure.group]
collectionName = "acme_groups"

[dbStructure.permission]
collectionName = "acme_permissions"

[dbStructure.user]
collectionName = "acme_users"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBName != "acme" || cfg.PermissionByteLength != 2 || cfg.MutationConcurrency != 8 {
		t.Fatalf("got %+v", cfg)
	}
	if cfg.GroupCollectionName() != "acme_groups" || cfg.PermissionCollectionName() != "acme_permissions" || cfg.UserCollectionName() != "acme_users" {
		t.Fatalf("got %+v", cfg.DBStructure)
	}
}

func TestLoadMissingFileReturnsFixedDiagnostic(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got == "" || !strings.Contains(got, "gibbons init") {
		t.Fatalf("expected fixed diagnostic mentioning `gibbons init`, got %q", got)
	}
}
