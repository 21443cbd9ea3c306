package mysql

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
)

const (
	DefaultPort     = 3306
	DefaultMaxConns = 5
)

// Config describes one endpoint. It is treated as immutable once a Manager
// has been built from it.
type Config struct {
	Name      string
	Host      string
	Port      int
	User      string
	Password  string
	Database  string
	MaxConns  int
	Protected bool

	// SessionUser is published to every connection as @username for audit triggers.
	SessionUser string
}

func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c Config) String() string {
	if c.Name == "" {
		return c.Addr()
	}
	return fmt.Sprintf("%s (%s)", c.Name, c.Addr())
}

func (c Config) connectionLimit() int {
	if c.MaxConns <= 0 {
		return DefaultMaxConns
	}
	return c.MaxConns
}

// DSN renders the go-sql-driver connection string. Sessions run with
// NO_BACKSLASH_ESCAPES so quote-doubled literals built by the cloner are
// read back verbatim.
func (c Config) DSN() string {
	dc := gomysql.NewConfig()
	dc.User = c.User
	dc.Passwd = c.Password
	dc.Net = "tcp"
	dc.Addr = c.Addr()
	dc.DBName = c.Database
	dc.ParseTime = true
	dc.Loc = time.UTC
	dc.Timeout = ConnectTimeout
	dc.Params = map[string]string{
		"sql_mode":    "CONCAT(@@sql_mode,',NO_BACKSLASH_ESCAPES')",
		"@appContext": "'user'",
	}
	if c.SessionUser != "" {
		dc.Params["@username"] = "'" + strings.ReplaceAll(c.SessionUser, "'", "''") + "'"
	}
	return dc.FormatDSN()
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func qualify(database, table string) string {
	return quoteIdent(database) + "." + quoteIdent(table)
}
