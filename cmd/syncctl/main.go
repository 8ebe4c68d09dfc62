// Command syncctl inspects and repairs the outbox from a shell, against the
// same database the server uses.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/FernandoVinha/TheManager/internal/config"
	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/internal/services"
	"github.com/FernandoVinha/TheManager/pkg/logger"
	"github.com/urfave/cli/v3"
	"gorm.io/gorm"
)

type env struct {
	db     *gorm.DB
	relay  *services.Relay
	engine *services.Engine
}

func main() {
	var (
		configPath string
		logLevel   string
		e          *env
	)

	app := &cli.Command{
		Name:  "syncctl",
		Usage: "Inspect and repair outbox delivery to the Git-hosting service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("CONFIG_PATH"),
				Value:       "config.yaml",
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Value:       "warn",
				Destination: &logLevel,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			logger.Init(logLevel)
			cfg, err := config.Load(configPath)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			e, err = open(cfg)
			return ctx, err
		},
		Commands: []*cli.Command{
			{
				Name:      "failed",
				Usage:     "List events that ran out of attempts",
				UsageText: "syncctl failed [--entity user|project|project_member|task]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "entity", Usage: "only this entity type"},
					&cli.IntFlag{Name: "limit", Value: 50, Usage: "maximum rows"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return e.listFailed(c)
				},
			},
			{
				Name:      "retry",
				Usage:     "Re-queue one failed event and drain its key",
				UsageText: "syncctl retry <event-id>",
				Action: func(ctx context.Context, c *cli.Command) error {
					id, err := strconv.ParseUint(c.Args().First(), 10, 32)
					if err != nil {
						return fmt.Errorf("event id: %w", err)
					}
					ev, err := e.relay.Retry(ctx, uint(id))
					if err != nil {
						return err
					}
					return e.drain(ctx, c, ev.Key)
				},
			},
			{
				Name:      "replay",
				Usage:     "Re-queue every failed event; the server relay delivers them",
				UsageText: "syncctl replay [--entity user|project|project_member|task]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "entity", Usage: "only this entity type"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					entity, err := entityFlag(c)
					if err != nil {
						return err
					}
					n, err := e.relay.ReplayFailed(ctx, entity)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.Root().Writer, "%d event(s) re-queued\n", n)
					return nil
				},
			},
			{
				Name:      "drain",
				Usage:     "Deliver the pending events of one key now",
				UsageText: "syncctl drain <key>",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("expected one key such as project:3")
					}
					return e.drain(ctx, c, c.Args().First())
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// open wires the engine the same way the server does, without a queue:
// commands drain keys in-process.
func open(cfg *config.Config) (*env, error) {
	if err := models.InitDB(&cfg.Database); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	db := models.GetDB()
	services.InitSystemLogger(db)

	outbox := services.NewOutbox(nil, services.NewSealer(cfg.Security.SecretKey))
	engine := services.NewEngine(db, outbox, cfg.Worker)
	if remote := services.NewRemoteClient(&cfg.Gitea); remote != nil {
		hub := services.NewSSEHub()
		messages := services.NewMessageLog(db, hub)
		tasks := services.NewTaskService(db, outbox, remote, messages, hub)
		if err := services.RegisterReconcilers(engine, db, remote, outbox, tasks, messages, &cfg.Gitea); err != nil {
			return nil, err
		}
	}
	return &env{db: db, relay: services.NewRelay(db, outbox), engine: engine}, nil
}

func (e *env) listFailed(c *cli.Command) error {
	entity, err := entityFlag(c)
	if err != nil {
		return err
	}
	res, err := e.relay.List(&services.OutboxListRequest{
		PageSize:   int(c.Int("limit")),
		Status:     string(models.OutboxFailed),
		EntityType: string(entity),
	})
	if err != nil {
		return err
	}

	out := c.Root().Writer
	if res.Total == 0 {
		fmt.Fprintln(out, "no failed events")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKEY\tOP\tATTEMPTS\tCOMMITTED\tERROR")
	for _, ev := range res.Items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n", ev.ID, ev.Key, ev.Op, ev.Attempts,
			ev.CommittedAt.Format("2006-01-02 15:04:05"), clip(ev.LastError, 80))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if res.Total > int64(len(res.Items)) {
		fmt.Fprintf(out, "... %d more\n", res.Total-int64(len(res.Items)))
	}
	return nil
}

func (e *env) drain(ctx context.Context, c *cli.Command, key string) error {
	if err := e.engine.DrainKey(ctx, key); err != nil {
		return fmt.Errorf("drain %s: %w", key, err)
	}
	var pending, failed int64
	e.db.Model(&models.OutboxEvent{}).Where("event_key = ? AND status = ?", key, models.OutboxPending).Count(&pending)
	e.db.Model(&models.OutboxEvent{}).Where("event_key = ? AND status = ?", key, models.OutboxFailed).Count(&failed)
	fmt.Fprintf(c.Root().Writer, "%s drained: %d pending, %d failed\n", key, pending, failed)
	return nil
}

func entityFlag(c *cli.Command) (models.EntityType, error) {
	raw := c.String("entity")
	if raw == "" {
		return "", nil
	}
	return models.ParseEntityType(raw)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
