package database

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/livechat/internal/retry"
)

// NewPool opens a Postgres connection pool. An empty dsn falls back to
// DATABASE_URL from the environment or the nearest .env file.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(dsn) == "" {
		var err error
		dsn, err = loadDatabaseURL()
		if err != nil {
			return nil, fmt.Errorf("failed to get database URL: %w", err)
		}
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	logger := log.With().Str("component", "database").Logger()
	result := retry.RetryWithBackoff(ctx, retry.StoreConnectConfig(), func() error {
		return pool.Ping(ctx)
	}, &logger)
	if !result.Success {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", result.LastError)
	}

	return pool, nil
}

func loadDatabaseURL() (string, error) {
	if direct := strings.TrimSpace(os.Getenv("DATABASE_URL")); direct != "" {
		return direct, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	envPath, err := findEnvFile(wd)
	if err != nil {
		return "", err
	}

	file, err := os.Open(envPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", envPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		eqIdx := strings.IndexRune(line, '=')
		if eqIdx <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:eqIdx])
		if key != "DATABASE_URL" {
			continue
		}

		value := strings.TrimSpace(line[eqIdx+1:])
		value = strings.Trim(value, "\"'")
		value = strings.TrimFunc(value, unicode.IsSpace)
		if value == "" {
			return "", errors.New("DATABASE_URL is empty in .env")
		}
		return value, nil
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", envPath, err)
	}

	return "", errors.New("DATABASE_URL not found in environment or .env")
}

func findEnvFile(start string) (string, error) {
	dir := start
	for {
		candidate := filepath.Join(dir, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf(".env not found starting from %s", start)
}
