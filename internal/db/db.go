package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog"
)

// ScyllaConfig describes the login history cluster.
type ScyllaConfig struct {
	Hosts       []string
	Port        int
	Keyspace    string
	Consistency string
	Replication int
	Attempts    int
	RetryDelay  time.Duration
}

// Connect opens a session bound to the keyspace, creating keyspace and
// tables first. A cluster that is still booting gets a few attempts.
func Connect(ctx context.Context, cfg ScyllaConfig, log zerolog.Logger) (*gocql.Session, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("no scylla hosts configured")
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 3 * time.Second
	}
	cluster := gocql.NewCluster(cfg.Hosts...)
	if cfg.Port > 0 {
		cluster.Port = cfg.Port
	}
	cluster.Timeout = 5 * time.Second
	cluster.Consistency = ParseConsistency(cfg.Consistency)

	var bootstrap *gocql.Session
	var err error
	for i := 1; i <= cfg.Attempts; i++ {
		bootstrap, err = cluster.CreateSession()
		if err == nil {
			err = EnsureKeyspace(bootstrap, cfg.Keyspace, cfg.Replication)
			if err == nil {
				break
			}
			bootstrap.Close()
		}
		log.Warn().Err(err).Int("attempt", i).Int("max_attempts", cfg.Attempts).Msg("scylla not ready")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryDelay):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("unable to ensure keyspace %s: %w", cfg.Keyspace, err)
	}
	defer bootstrap.Close()

	cluster.Keyspace = cfg.Keyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}
	if err := EnsureSchema(session, cfg.Keyspace); err != nil {
		session.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return session, nil
}

func EnsureKeyspace(session *gocql.Session, keyspace string, replicationFactor int) error {
	if replicationFactor <= 0 {
		replicationFactor = 3
	}
	stmt := fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}", keyspace, replicationFactor)
	return session.Query(stmt).Exec()
}

// EnsureSchema creates the login history tables. Sessions are partitioned by
// the display-timezone day of the login, newest first.
func EnsureSchema(session *gocql.Session, keyspace string) error {
	for _, stmt := range SchemaStatements(keyspace) {
		if err := session.Query(stmt).Exec(); err != nil {
			return err
		}
	}
	return nil
}

func SchemaStatements(keyspace string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.login_history (
			day text,
			id timeuuid,
			user_name text,
			login_at timestamp,
			logout_at timestamp,
			last_ping timestamp,
			device_model text,
			user_agent text,
			PRIMARY KEY (day, id)
		) WITH CLUSTERING ORDER BY (id DESC)`, keyspace),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.login_sessions (
			id timeuuid PRIMARY KEY,
			day text
		)`, keyspace),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.login_days (
			bucket int,
			day text,
			PRIMARY KEY (bucket, day)
		) WITH CLUSTERING ORDER BY (day DESC)`, keyspace),
	}
}

func ParseConsistency(c string) gocql.Consistency {
	switch strings.ToUpper(strings.TrimSpace(c)) {
	case "ONE":
		return gocql.One
	case "LOCAL_ONE":
		return gocql.LocalOne
	case "LOCAL_QUORUM":
		return gocql.LocalQuorum
	case "ALL":
		return gocql.All
	default:
		return gocql.Quorum
	}
}
