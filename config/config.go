package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"dbtools/dynamodb"
	"dbtools/mysql"
	"dbtools/order"
	"dbtools/replicate"
)

const (
	DefaultEnvFile   = "proj.env"
	DefaultBatchSize = mysql.DefaultBatchSize

	MasterName = "master"
	LocalName  = "local"
)

type Endpoint struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	MaxConns int    `toml:"max_conns"`
}

type Ordering struct {
	Tables             []string            `toml:"tables"`
	DependsOn          map[string][]string `toml:"depends_on"`
	TruncateBeforeSync []string            `toml:"truncate_before_sync"`
}

type History struct {
	Region   string `toml:"region"`
	Table    string `toml:"table"`
	Endpoint string `toml:"endpoint"`
}

// Config is built from the environment first; a TOML file then overrides
// whatever keys it sets.
type Config struct {
	Master    Endpoint            `toml:"master"`
	Local     Endpoint            `toml:"local"`
	Databases []string            `toml:"databases"`
	BatchSize int                 `toml:"batch_size"`
	Ordering  string              `toml:"ordering"`
	Orderings map[string]Ordering `toml:"orderings"`
	History   *History            `toml:"history"`
}

type LoadOptions struct {
	// EnvFile defaults to proj.env. An explicit file must exist.
	EnvFile string
	// ConfigFile defaults to ~/.dbtools/config.toml. An explicit file must exist.
	ConfigFile string
}

func Load(opts LoadOptions) (*Config, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}

	cfg, err := fromEnv()
	if err != nil {
		return nil, err
	}

	path, explicit := opts.ConfigFile, opts.ConfigFile != ""
	if !explicit {
		path = getConfigPath()
	}
	if err := cfg.decodeFile(path, explicit); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func fromEnv() (*Config, error) {
	cfg := &Config{
		Master: Endpoint{
			Host:     os.Getenv("MASTER_DB_HOST"),
			User:     os.Getenv("MASTER_DB_USER"),
			Password: os.Getenv("MASTER_DB_PASS"),
		},
		Local: Endpoint{
			Host:     getEnv("LOCAL_DB_HOST", "localhost"),
			User:     os.Getenv("LOCAL_DB_USER"),
			Password: os.Getenv("LOCAL_DB_PASS"),
		},
		Databases: splitList(os.Getenv("CLONE_DATABASES")),
		Ordering:  getEnv("CLONE_ORDERING", order.DefaultName),
	}

	var err error
	if cfg.Master.Port, err = getEnvInt("MASTER_DB_PORT", mysql.DefaultPort); err != nil {
		return nil, err
	}
	if cfg.Local.Port, err = getEnvInt("LOCAL_DB_PORT", mysql.DefaultPort); err != nil {
		return nil, err
	}
	limit, err := getEnvInt("DB_CONNECTION_LIMIT", mysql.DefaultMaxConns)
	if err != nil {
		return nil, err
	}
	cfg.Master.MaxConns, cfg.Local.MaxConns = limit, limit
	if cfg.BatchSize, err = getEnvInt("CLONE_BATCH_SIZE", DefaultBatchSize); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string, explicit bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	md, err := toml.Decode(string(data), c)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) Validate() error {
	var problems []string
	for _, ep := range []struct {
		name string
		e    Endpoint
	}{{MasterName, c.Master}, {LocalName, c.Local}} {
		if ep.e.Host == "" {
			problems = append(problems, ep.name+" host is required")
		}
		if ep.e.User == "" {
			problems = append(problems, ep.name+" user is required")
		}
		if ep.e.Port <= 0 || ep.e.Port > 65535 {
			problems = append(problems, fmt.Sprintf("%s port %d is out of range", ep.name, ep.e.Port))
		}
	}
	if c.BatchSize <= 0 {
		problems = append(problems, fmt.Sprintf("batch size must be positive, got %d", c.BatchSize))
	}
	if _, err := c.ResolveOrdering(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// MySQLConfig returns the endpoint named master or local. The master endpoint
// is always protected.
func (c *Config) MySQLConfig(name string) (mysql.Config, error) {
	var ep Endpoint
	switch name {
	case MasterName:
		ep = c.Master
	case LocalName:
		ep = c.Local
	default:
		return mysql.Config{}, fmt.Errorf("MySQL config not found for %s", name)
	}
	return mysql.Config{
		Name:        name,
		Host:        ep.Host,
		Port:        ep.Port,
		User:        ep.User,
		Password:    ep.Password,
		MaxConns:    ep.MaxConns,
		Protected:   name == MasterName,
		SessionUser: c.Master.User,
	}, nil
}

// Endpoints resolves the source and destination for a direction.
func (c *Config) Endpoints(direction replicate.Direction) (source, dest mysql.Config, err error) {
	if source, err = c.MySQLConfig(direction.Source()); err != nil {
		return
	}
	dest, err = c.MySQLConfig(direction.Dest())
	return
}

// ResolveOrdering returns the configured ordering, validated.
func (c *Config) ResolveOrdering() (order.Ordering, error) {
	custom := make(map[string]order.Ordering, len(c.Orderings))
	for name, o := range c.Orderings {
		custom[name] = order.Ordering{
			Name:               name,
			Tables:             o.Tables,
			DependsOn:          o.DependsOn,
			TruncateBeforeSync: o.TruncateBeforeSync,
		}
	}

	o, err := order.Lookup(c.Ordering, custom)
	if err != nil {
		return order.Ordering{}, err
	}
	if err := o.Validate(); err != nil {
		return order.Ordering{}, err
	}
	return o, nil
}

// ResolveDatabases prefers a comma separated flag value over the configured list.
func (c *Config) ResolveDatabases(flag string) ([]string, error) {
	dbs := splitList(flag)
	if len(dbs) == 0 {
		dbs = c.Databases
	}
	if len(dbs) == 0 {
		return nil, errors.New("no databases given: pass --database or set CLONE_DATABASES")
	}
	return dbs, nil
}

// HistoryConfig reports whether run history is enabled and where it goes.
func (c *Config) HistoryConfig() (dynamodb.Config, bool) {
	if c.History == nil {
		return dynamodb.Config{}, false
	}
	return dynamodb.Config{
		Region:    c.History.Region,
		TableName: c.History.Table,
		Endpoint:  c.History.Endpoint,
	}, true
}

func getConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".dbtools", "config.toml")
	}
	return filepath.Join(homeDir, ".dbtools", "config.toml")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
