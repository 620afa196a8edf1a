package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/bidloop/realtime/internal/config"
)

// ApplicationName is reported to Postgres in pg_stat_activity.
const ApplicationName = "realtime-recorder"

// BuildConnString builds a PostgreSQL connection URL from config. The
// password may be empty when credentials come from PGPASSWORD or .pgpass.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Path:   "/" + cfg.Name,
	}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else {
		u.User = url.User(cfg.User)
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", ApplicationName)
	u.RawQuery = q.Encode()

	return u.String()
}
