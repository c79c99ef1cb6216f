// Package config loads the gibbons authorization engine's configuration
// (spec section 6): the database name, the two mask universe byte lengths,
// the mutation fan-out concurrency, and the three collection names. It
// follows the same two-step default-then-validate shape as the teacher's
// node.DefaultConfig/Config.Validate, but loads from TOML via
// github.com/BurntSushi/toml instead of a hand-rolled line parser.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

// collectionNameTable is the shape of each dbStructure.<model> table:
// just the one collectionName key spec section 6 names.
type collectionNameTable struct {
	CollectionName string `toml:"collectionName"`
}

// DBStructure groups the per-model collection name overrides
// (dbStructure.{user,group,permission}.collectionName).
type DBStructure struct {
	User       collectionNameTable `toml:"user"`
	Group      collectionNameTable `toml:"group"`
	Permission collectionNameTable `toml:"permission"`
}

// Config is the full set of configuration keys spec section 6 names.
type Config struct {
	DBName               string      `toml:"dbName"`
	PermissionByteLength int         `toml:"permissionByteLength"`
	GroupByteLength      int         `toml:"groupByteLength"`
	MutationConcurrency  int         `toml:"mutationConcurrency"`
	DBStructure          DBStructure `toml:"dbStructure"`
}

// GroupCollectionName returns the configured group collection name.
func (c *Config) GroupCollectionName() string { return c.DBStructure.Group.CollectionName }

// PermissionCollectionName returns the configured permission collection name.
func (c *Config) PermissionCollectionName() string { return c.DBStructure.Permission.CollectionName }

// UserCollectionName returns the configured user collection name.
func (c *Config) UserCollectionName() string { return c.DBStructure.User.CollectionName }

// Default returns a Config with sensible defaults, mirroring the teacher's
// DefaultConfig: every field populated so a caller can Validate and run
// without ever supplying a file.
func Default() *Config {
	return &Config{
		DBName:               "gibbons",
		PermissionByteLength: 1,
		GroupByteLength:      1,
		MutationConcurrency:  4,
		DBStructure: DBStructure{
			Group:      collectionNameTable{CollectionName: "groups"},
			Permission: collectionNameTable{CollectionName: "permissions"},
			User:       collectionNameTable{CollectionName: "users"},
		},
	}
}

// Validate checks every field for correctness, joining every violation it
// finds rather than stopping at the first, matching node.Config.Validate's
// style.
func (c *Config) Validate() error {
	var errList []error
	if c.DBName == "" {
		errList = append(errList, errors.New("config: dbName must not be empty"))
	}
	if c.PermissionByteLength <= 0 {
		errList = append(errList, errors.Newf("config: permissionByteLength must be > 0, got %d", c.PermissionByteLength))
	}
	if c.GroupByteLength <= 0 {
		errList = append(errList, errors.Newf("config: groupByteLength must be > 0, got %d", c.GroupByteLength))
	}
	if c.MutationConcurrency <= 0 {
		errList = append(errList, errors.Newf("config: mutationConcurrency must be > 0, got %d", c.MutationConcurrency))
	}
	if c.DBStructure.Group.CollectionName == "" {
		errList = append(errList, errors.New("config: dbStructure.group.collectionName must not be empty"))
	}
	if c.DBStructure.Permission.CollectionName == "" {
		errList = append(errList, errors.New("config: dbStructure.permission.collectionName must not be empty"))
	}
	if c.DBStructure.User.CollectionName == "" {
		errList = append(errList, errors.New("config: dbStructure.user.collectionName must not be empty"))
	}
	return errors.Join(errList...)
}

// searchPaths returns the default config file lookup order: the current
// directory first, then XDG_CONFIG_HOME, matching the teacher's
// defaultDataDir's use of the user's configuration directory.
func searchPaths() []string {
	paths := []string{"gibbons.toml"}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		paths = append(paths, filepath.Join(dir, "gibbons", "gibbons.toml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "gibbons", "gibbons.toml"))
	}
	return paths
}

// errLoad is the fixed, user-facing diagnostic spec section 6 requires:
// a config.Load failure always surfaces this exact message, never a raw
// TOML parse error or os.PathError.
var errLoad = errors.New("Could not load config, execute `gibbons init`")

// Load reads and validates the config file at path. If path is empty, it
// searches searchPaths() in order and uses the first file found. Any
// failure — file not found, malformed TOML, failed validation — collapses
// to the single fixed diagnostic spec section 6 specifies; the underlying
// failure is still attached as a secondary error for debug logging, just
// never shown in the CLI's one-line stderr output.
func Load(path string) (*Config, error) {
	candidates := []string{path}
	if path == "" {
		candidates = searchPaths()
	}

	var lastErr error
	for _, p := range candidates {
		if p == "" {
			continue
		}
		cfg := Default()
		if _, err := toml.DecodeFile(p, cfg); err != nil {
			lastErr = err
			continue
		}
		if err := cfg.Validate(); err != nil {
			lastErr = err
			continue
		}
		return cfg, nil
	}
	if lastErr == nil {
		lastErr = errors.New("config: no config file found")
	}
	return nil, errors.WithSecondaryError(errLoad, lastErr)
}
