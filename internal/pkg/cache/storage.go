package cache

import (
	"net"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/redis"
)

// NewFiberStorage returns a Fiber storage backed by the cache server, on a
// separate logical database so middleware keys never mix with cache keys.
func NewFiberStorage(database int) fiber.Storage {
	opts := GetClient().Options()
	host := "localhost"
	port := 6379
	if h, p, err := net.SplitHostPort(opts.Addr); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: opts.Password,
		Database: database,
		Reset:    false,
	})
}
