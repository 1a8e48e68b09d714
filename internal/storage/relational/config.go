package relational

import (
	"fmt"
	"net/url"
	"time"
)

// Supported drivers. Postgres is the production engine; SQLite backs the
// standalone daemon, the scenario runner and the test harness.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config selects and tunes the SQL engine.
type Config struct {
	Driver string `mapstructure:"driver" json:"driver"`

	// Postgres settings.
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	User     string `mapstructure:"user" json:"user"`
	Password string `mapstructure:"password" json:"-"`
	DBName   string `mapstructure:"dbname" json:"dbname"`
	SSLMode  string `mapstructure:"sslmode" json:"sslmode"`

	// SQLite settings. Path may be a file path or ":memory:".
	Path string `mapstructure:"path" json:"path"`

	MaxOpenConns    int           `mapstructure:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DefaultConfig returns the embedded SQLite profile used when no database
// section is configured.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		Path:            "wattexd.db",
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: 0,
	}
}

// DefaultPostgresConfig returns the production profile.
func DefaultPostgresConfig() Config {
	return Config{
		Driver:          DriverPostgres,
		Host:            "localhost",
		Port:            5432,
		User:            "wattex",
		DBName:          "wattex",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// WithDefaults fills unset fields with the profile defaults for the driver.
func (c Config) WithDefaults() Config {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	switch c.Driver {
	case DriverSQLite:
		if c.Path == "" {
			c.Path = "wattexd.db"
		}
		// A fresh connection to SQLite means a fresh in-memory database,
		// so the pool is pinned to a single long-lived connection.
		c.MaxOpenConns = 1
		c.MaxIdleConns = 1
		c.ConnMaxLifetime = 0
	case DriverPostgres:
		if c.Host == "" {
			c.Host = "localhost"
		}
		if c.Port == 0 {
			c.Port = 5432
		}
		if c.SSLMode == "" {
			c.SSLMode = "disable"
		}
		if c.MaxOpenConns <= 0 {
			c.MaxOpenConns = 25
		}
		if c.MaxIdleConns <= 0 {
			c.MaxIdleConns = 5
		}
		if c.ConnMaxLifetime == 0 {
			c.ConnMaxLifetime = 5 * time.Minute
		}
	}
	return c
}

// Validate rejects configurations the store cannot open.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case DriverPostgres:
		if c.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if c.User == "" {
			return fmt.Errorf("postgres user is required")
		}
		if c.DBName == "" {
			return fmt.Errorf("postgres dbname is required")
		}
		if c.Port <= 0 || c.Port > 65535 {
			return fmt.Errorf("postgres port %d out of range", c.Port)
		}
	case "":
		return fmt.Errorf("database driver is required")
	default:
		return fmt.Errorf("unsupported database driver %q", c.Driver)
	}
	return nil
}

// DriverName returns the database/sql driver to register the pool with.
func (c Config) DriverName() string {
	if c.Driver == DriverSQLite {
		return "sqlite"
	}
	return "postgres"
}

// DSN builds the connection string for the configured driver.
func (c Config) DSN() string {
	if c.Driver == DriverSQLite {
		return c.Path
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, url.QueryEscape(c.Password), c.DBName, c.SSLMode)
}
