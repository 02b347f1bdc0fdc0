package misc

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/config"
)

// GetConnectionString returns the postgres connection string, reading component specific keys first,
// i.e. DB.<componentName>.<key> takes precedence over DB.<key>
func GetConnectionString(c *config.Config, componentName string) string {
	keys := func(key string) (keys []string) {
		if componentName != "" {
			keys = append(keys, "DB."+componentName+"."+key)
		}
		return append(keys, "DB."+key)
	}
	host := c.GetStringVar("localhost", keys("host")...)
	user := c.GetStringVar("ubuntu", keys("user")...)
	dbname := c.GetStringVar("ubuntu", keys("name")...)
	port := c.GetIntVar(5432, 1, keys("port")...)
	password := c.GetStringVar("ubuntu", keys("password")...)
	sslmode := c.GetStringVar("disable", keys("sslMode")...)
	idleTxTimeout := c.GetDurationVar(5, time.Minute, keys("idleTxTimeout")...)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "ingestion-router"
	}
	hostname = c.GetString("HOSTNAME", hostname)

	// application_name must be shorter than NAMEDATALEN (64)
	var componentPart string
	if componentName != "" {
		componentPart = lo.Substring(componentName, 0, 2) + "-"
	}
	appName := componentPart + lo.Substring(hostname, 0, 60)

	return fmt.Sprintf("host=%s port=%d user=%s "+
		"password=%s dbname=%s sslmode=%s application_name=%s "+
		" options='-c idle_in_transaction_session_timeout=%d'",
		host, port, user, password, dbname, sslmode, appName,
		idleTxTimeout.Milliseconds(),
	)
}

// NewDatabaseConnectionPool opens and pings a postgres connection pool sized according to DB.<componentName>.* keys
func NewDatabaseConnectionPool(ctx context.Context, c *config.Config, componentName string) (*sql.DB, error) {
	db, err := sql.Open("postgres", GetConnectionString(c, componentName))
	if err != nil {
		return nil, fmt.Errorf("opening connection to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	db.SetMaxOpenConns(c.GetIntVar(10, 1, "DB."+componentName+".maxOpenConns", "DB.maxOpenConns"))
	db.SetMaxIdleConns(c.GetIntVar(5, 1, "DB."+componentName+".maxIdleConns", "DB.maxIdleConns"))
	db.SetConnMaxIdleTime(c.GetDurationVar(15, time.Minute, "DB."+componentName+".connMaxIdleTime", "DB.connMaxIdleTime"))
	db.SetConnMaxLifetime(c.GetDurationVar(0, 0, "DB."+componentName+".connMaxLifetime", "DB.connMaxLifetime"))
	return db, nil
}
