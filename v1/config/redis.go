package config

import (
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"

	rockerrors "github.com/mirkobrombin/go-rock/v1/errors"
)

const redisScheme = "redis://"

func stripScheme(addr string) string {
	return strings.TrimPrefix(strings.TrimSpace(addr), redisScheme)
}

func stripSchemes(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a = stripScheme(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// NewClient builds a Redis client for the configured topology. Clients
// connect lazily.
func (c RedisConfig) NewClient() (redis.UniversalClient, error) {
	switch c.Mode {
	case "", "single":
		addr := stripScheme(c.Address)
		if addr == "" {
			return nil, fmt.Errorf("%w: redis address is required in single mode", rockerrors.ErrConfiguration)
		}
		return redis.NewClient(&redis.Options{Addr: addr, Password: c.Password, DB: c.DB}), nil
	case "sentinel":
		addrs := stripSchemes(c.SentinelAddresses)
		if c.MasterName == "" || len(addrs) == 0 {
			return nil, fmt.Errorf("%w: sentinel mode needs master_name and sentinel_addresses", rockerrors.ErrConfiguration)
		}
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    c.MasterName,
			SentinelAddrs: addrs,
			Password:      c.Password,
			DB:            c.DB,
		}), nil
	case "cluster":
		addrs := stripSchemes(c.ClusterNodeAddresses)
		if len(addrs) == 0 {
			return nil, fmt.Errorf("%w: cluster mode needs cluster_node_addresses", rockerrors.ErrConfiguration)
		}
		return redis.NewClusterClient(&redis.ClusterOptions{Addrs: addrs, Password: c.Password}), nil
	}
	return nil, fmt.Errorf("%w: unknown redis mode %q", rockerrors.ErrConfiguration, c.Mode)
}
