package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"listproc/middleware"
	"listproc/models"
	"listproc/routes"
	"listproc/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/urfave/cli/v2"
)

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "Serve the cron, moderation and export endpoints",
	Before: setup,
	Action: func(c *cli.Context) error {
		ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer cancel()

		app := fiber.New(fiber.Config{DisableStartupMessage: true})
		routes.SetupRoutes(app, routes.Deps{
			Processor:      svc.worker,
			Lists:          svc.lists,
			Settings:       svc.settings,
			FallbackKey:    svc.cfg.Mail.CronKey,
			RateLimit:      svc.cfg.RateLimitCron,
			RateLimitStore: middleware.RateLimitStorage(svc.cfg.Redis),
			Metrics:        svc.metrics,
			Logger:         svc.logger.WithField("component", "http"),
		})

		if svc.cfg.PollInterval > 0 {
			go svc.worker.Start(ctx, svc.cfg.PollInterval)
		}

		go func() {
			<-ctx.Done()
			_ = app.Shutdown()
		}()

		svc.logger.Infof("Server starting on port %s", svc.cfg.ServerPort)
		if err := app.Listen(":" + svc.cfg.ServerPort); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	},
}

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Run one processing cycle and print its report",
	Before: setup,
	Action: func(c *cli.Context) error {
		report, err := svc.worker.RunOnce(c.Context)
		if report != nil {
			if perr := printJSON(c.App.Writer, report); perr != nil {
				return perr
			}
		}
		return err
	},
}

var approveCommand = &cli.Command{
	Name:      "approve",
	Usage:     "Release a held message and run a cycle",
	ArgsUsage: "FINGERPRINT",
	Before:    setup,
	Action: func(c *cli.Context) error {
		fp := c.Args().First()
		if fp == "" {
			return errors.New("FINGERPRINT is required")
		}
		found, report, err := svc.worker.Approve(c.Context, fp)
		if err != nil && report == nil {
			return err
		}
		if perr := printJSON(c.App.Writer, map[string]interface{}{"found": found, "report": report}); perr != nil {
			return perr
		}
		return err
	},
}

var discardCommand = &cli.Command{
	Name:      "discard",
	Usage:     "Refuse a held message and notify its sender",
	ArgsUsage: "FINGERPRINT",
	Before:    setup,
	Action: func(c *cli.Context) error {
		fp := c.Args().First()
		if fp == "" {
			return errors.New("FINGERPRINT is required")
		}
		found, err := svc.worker.Discard(c.Context, fp)
		if err != nil {
			return err
		}
		return printJSON(c.App.Writer, map[string]interface{}{"found": found})
	},
}

var pendingCommand = &cli.Command{
	Name:   "pending",
	Usage:  "List messages held in a folder (PENDING by default)",
	Before: setup,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "folder", Value: string(models.FolderPending)},
		&cli.IntFlag{Name: "limit", Value: 20},
	},
	Action: func(c *cli.Context) error {
		folder, ok := models.ParseFolder(c.String("folder"))
		if !ok {
			return fmt.Errorf("unknown folder %q", c.String("folder"))
		}
		messages, err := svc.worker.FolderMessages(c.Context, folder, c.Int("limit"))
		if err != nil {
			return err
		}
		return printJSON(c.App.Writer, messages)
	},
}

var exportCommand = &cli.Command{
	Name:      "export",
	Usage:     "Write the active subscribers of a list as CSV",
	ArgsUsage: "SLUG",
	Before:    setup,
	Action: func(c *cli.Context) error {
		slug := c.Args().First()
		if slug == "" {
			return errors.New("SLUG is required")
		}
		return svc.lists.ExportCSV(c.Context, slug, c.App.Writer)
	},
}

var listsCommand = &cli.Command{
	Name:  "lists",
	Usage: "Manage lists",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			Usage:     "Create a list",
			ArgsUsage: "SLUG",
			Before:    setup,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "name"},
				&cli.StringFlag{Name: "description"},
				&cli.BoolFlag{Name: "moderation", Usage: "hold every message for approval"},
				&cli.BoolFlag{Name: "reponse", Usage: "discussion mode, subscribers see each other"},
				&cli.BoolFlag{Name: "inactive"},
			},
			Action: func(c *cli.Context) error {
				slug := c.Args().First()
				if slug == "" {
					return errors.New("SLUG is required")
				}
				l := &models.List{
					Slug:        slug,
					Name:        c.String("name"),
					Description: c.String("description"),
					Moderation:  c.Bool("moderation"),
					Reponse:     c.Bool("reponse"),
					Active:      !c.Bool("inactive"),
				}
				if err := svc.lists.CreateList(c.Context, l); err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "Created list %s\n", l.Slug)
				return nil
			},
		},
	},
}

var subscribersCommand = &cli.Command{
	Name:  "subscribers",
	Usage: "Manage list subscribers",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			Usage:     "Subscribe addresses given as arguments, or read from stdin",
			ArgsUsage: "SLUG [ADDRESS...]",
			Before:    setup,
			Action: func(c *cli.Context) error {
				slug := c.Args().First()
				if slug == "" {
					return errors.New("SLUG is required")
				}
				raw := strings.Join(c.Args().Tail(), "\n")
				if raw == "" {
					b, err := io.ReadAll(os.Stdin)
					if err != nil {
						return err
					}
					raw = string(b)
				}
				added, invalid, err := svc.lists.AddSubscribers(c.Context, slug, raw)
				if err != nil {
					return err
				}
				for _, email := range invalid {
					fmt.Fprintf(c.App.ErrWriter, "Invalid address: %s\n", email)
				}
				fmt.Fprintf(c.App.Writer, "Added %d subscriber(s) to %s\n", added, slug)
				return nil
			},
		},
	},
}

var blocklistCommand = &cli.Command{
	Name:  "blocklist",
	Usage: "Manage blocked addresses",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			ArgsUsage: "EMAIL",
			Before:    setup,
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "code", Value: models.DefaultBlockCode},
			},
			Action: func(c *cli.Context) error {
				email := c.Args().First()
				if email == "" {
					return errors.New("EMAIL is required")
				}
				if !utils.IsValidEmail(email) {
					return fmt.Errorf("invalid address %q", email)
				}
				return svc.blocklist.Add(c.Context, utils.NormalizeEmail(email), c.Int("code"))
			},
		},
		{
			Name:      "remove",
			ArgsUsage: "EMAIL",
			Before:    setup,
			Action: func(c *cli.Context) error {
				email := c.Args().First()
				if email == "" {
					return errors.New("EMAIL is required")
				}
				removed, err := svc.blocklist.Remove(c.Context, email)
				if err != nil {
					return err
				}
				if !removed {
					fmt.Fprintf(c.App.ErrWriter, "%s was not blocked\n", email)
				}
				return nil
			},
		},
	},
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

