// Package config loads the scoring pipeline's configuration from /etc/capi/config.yaml,
// with every field that carries an `env` tag overridable by an AIXCC_-prefixed
// environment variable.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file location used when none is supplied.
const DefaultPath = "/etc/capi/config.yaml"

// EnvPrefix is prepended to every config field's env var name.
const EnvPrefix = "AIXCC_"

// Config is the top-level configuration for all three binaries
// (capi-api, capi-worker, capi-receiver). Each binary reads only the
// sections it needs.
type Config struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Artifact ArtifactConfig `yaml:"artifact_store"`
	CPRoot   string         `yaml:"cp_root" env:"CP_ROOT"`
	TempDir  string         `yaml:"tempdir" env:"TEMPDIR"`
	RunID    string         `yaml:"run_id" env:"RUN_ID"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	API      APIConfig      `yaml:"api"`
	Auth     AuthConfig     `yaml:"auth"`
	Worker   WorkerConfig   `yaml:"worker"`
	Log      LogConfig      `yaml:"log"`
	MockMode bool           `yaml:"mock_mode" env:"MOCK_MODE"`
}

// AuthConfig seeds the team-token table at startup: Preload maps a token id
// to its plaintext secret (hashed before storage), Admins lists the token
// ids granted access to the /audit/start and /audit/stop endpoints.
type AuthConfig struct {
	Preload map[string]string `yaml:"preload"`
	Admins  []string          `yaml:"admins"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn" env:"POSTGRES_DSN"`
	MaxConns        int32         `yaml:"max_conns" env:"POSTGRES_MAX_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"POSTGRES_CONN_MAX_LIFETIME"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type ArtifactConfig struct {
	LocalDir          string        `yaml:"local_dir" env:"ARTIFACT_LOCAL_DIR"`
	RemoteContainer   string        `yaml:"remote_container" env:"ARTIFACT_REMOTE_CONTAINER"`
	AzureAccountURL   string        `yaml:"azure_account_url" env:"ARTIFACT_AZURE_ACCOUNT_URL"`
	SASTokenTTL       time.Duration `yaml:"sas_token_ttl" env:"ARTIFACT_SAS_TOKEN_TTL"`
	FlatfileOutputDir string        `yaml:"flatfile_output_dir" env:"ARTIFACT_FLATFILE_OUTPUT_DIR"`
}

type ScoringConfig struct {
	RejectDuplicateVDS bool          `yaml:"reject_duplicate_vds" env:"REJECT_DUPLICATE_VDS"`
	WorkspaceTimeout   time.Duration `yaml:"workspace_timeout" env:"WORKSPACE_TIMEOUT"`
	OuterJobTimeout    time.Duration `yaml:"outer_job_timeout" env:"OUTER_JOB_TIMEOUT"`
}

type APIConfig struct {
	ListenAddr string   `yaml:"listen_addr" env:"API_LISTEN_ADDR"`
	Workers    []string `yaml:"workers" env:"API_WORKERS"`
}

type WorkerConfig struct {
	ID          string `yaml:"id" env:"WORKER_ID"`
	Concurrency int    `yaml:"concurrency" env:"WORKER_CONCURRENCY"`
}

type LogConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	JSONOutput bool   `yaml:"json_output" env:"LOG_JSON"`
}

// defaults applied before the file/env overrides.
func defaults() Config {
	return Config{
		CPRoot:  "/cp_root",
		TempDir: "/tmp/capi-workspaces",
		Postgres: PostgresConfig{
			MaxConns:        10,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Artifact: ArtifactConfig{
			LocalDir:          "/var/lib/capi/artifacts",
			SASTokenTTL:       2 * time.Hour,
			FlatfileOutputDir: "/var/lib/capi/output",
		},
		Scoring: ScoringConfig{
			RejectDuplicateVDS: true,
			WorkspaceTimeout:   10 * time.Minute,
			OuterJobTimeout:    time.Hour,
		},
		API: APIConfig{
			ListenAddr: ":8080",
			Workers:    []string{"default"},
		},
		Worker: WorkerConfig{
			ID:          "default",
			Concurrency: 50,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path (DefaultPath if empty), applies env overrides, and returns
// the resolved Config. A missing file is not an error: defaults plus env
// overrides still produce a usable Config for tests and local runs.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = DefaultPath
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides walks cfg's fields (recursing into nested structs) and
// overrides any field carrying an `env:"X"` tag from AIXCC_X, when set.
func applyEnvOverrides(cfg *Config) {
	v := reflect.ValueOf(cfg).Elem()
	walkEnvOverrides(v)
}

func walkEnvOverrides(v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)

		if fv.Kind() == reflect.Struct {
			walkEnvOverrides(fv)
			continue
		}

		tag := field.Tag.Get("env")
		if tag == "" {
			continue
		}
		raw, ok := os.LookupEnv(EnvPrefix + tag)
		if !ok {
			continue
		}
		setFromString(fv, raw)
	}
}

func setFromString(fv reflect.Value, raw string) {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		if b, err := strconv.ParseBool(raw); err == nil {
			fv.SetBool(b)
		}
	case reflect.Int, reflect.Int32, reflect.Int64:
		if fv.Type() == reflect.TypeOf(time.Duration(0)) {
			if d, err := time.ParseDuration(raw); err == nil {
				fv.SetInt(int64(d))
			}
			return
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			fv.SetInt(n)
		}
	case reflect.Slice:
		if fv.Type().Elem().Kind() == reflect.String {
			fv.Set(reflect.ValueOf(strings.Split(raw, ",")))
		}
	}
}
