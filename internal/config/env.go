package config

import (
	"fmt"
	"strconv"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "MESHD_"

// ApplyEnv overrides scalar settings from the environment. lookup is
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("ADDR", &c.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("OUTPUT_DIR", &c.OutputDir)
	str("STORE_BACKEND", &c.Store.Backend)
	str("REDIS_ADDR", &c.Store.Redis.Addr)
	str("REDIS_PASSWORD", &c.Store.Redis.Password)
	str("SQLITE_PATH", &c.Store.SQLite.Path)
	str("RUNTIME_MODE", &c.Runtime.Mode)
	str("EXEC_BIN", &c.Runtime.Exec.Bin)
	str("HTTP_REQUEST_LOG", &c.HTTP.RequestLog)
	if err := num("WORKERS", &c.Workers); err != nil {
		return err
	}
	if err := num("REDIS_DB", &c.Store.Redis.DB); err != nil {
		return err
	}
	return num("QUEUE_MAX_DEPTH", &c.Queue.MaxDepth)
}
