package main

import (
	"hash/fnv"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reckon/internal/clock"
	"github.com/smallbiznis/reckon/internal/config"
	"github.com/smallbiznis/reckon/internal/dispute"
	"github.com/smallbiznis/reckon/internal/fraud"
	"github.com/smallbiznis/reckon/internal/idempotency"
	"github.com/smallbiznis/reckon/internal/migration"
	"github.com/smallbiznis/reckon/internal/observability"
	"github.com/smallbiznis/reckon/internal/orders"
	"github.com/smallbiznis/reckon/internal/provider"
	"github.com/smallbiznis/reckon/internal/recon"
	"github.com/smallbiznis/reckon/internal/scheduler"
	"github.com/smallbiznis/reckon/internal/server"
	"github.com/smallbiznis/reckon/internal/webhook"
	"github.com/smallbiznis/reckon/pkg/db"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		config.Module,
		observability.Module,
		clock.Module,
		fx.Provide(newSnowflakeNode),
		db.Module,
		migration.Module,
		orders.Module,
		idempotency.Module,
		fraud.Module,
		provider.Module,
		dispute.Module,
		recon.Module,
		webhook.Module,
		scheduler.Module,
		server.Module,
	).Run()
}

// newSnowflakeNode derives a stable node id from the host name so replicas
// generate non-colliding ids without coordination.
func newSnowflakeNode() (*snowflake.Node, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "reckon"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(hostname))
	return snowflake.NewNode(int64(h.Sum32() % 1024))
}
