package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"backend-runsync/internal/auth"
	"backend-runsync/internal/config"
	"backend-runsync/internal/location"
	"backend-runsync/internal/logging"
	"backend-runsync/internal/run"
	"backend-runsync/internal/runstore"
	"backend-runsync/internal/syncchan"
)

func main() {
	if err := newApp(config.Load()).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "runsim:", err)
		os.Exit(1)
	}
}

func newApp(cfg config.Config) *cli.App {
	return &cli.App{
		Name:  "runsim",
		Usage: "Replay a recorded route through the run tracker and the sync relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "db",
				Value: cfg.BoltPath,
				Usage: "Path to the local run store.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: cfg.LogLevel,
				Usage: "Log level: debug, info, warn or error.",
			},
		},
		Commands: []*cli.Command{
			runCommand(cfg),
			recoverCommand(cfg),
			historyCommand(),
			tokenCommand(cfg),
		},
	}
}

func replayFlags(cfg config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{
			Name:  "interval",
			Value: 3 * time.Second,
			Usage: "Simulated time between two route points.",
		},
		&cli.Float64Flag{
			Name:  "speed",
			Value: 1,
			Usage: "How many times faster than real time the replay runs.",
		},
		&cli.StringFlag{
			Name:  "sync-url",
			Value: cfg.SyncURL,
			Usage: "Relay websocket endpoint used by synchronized runs.",
		},
		&cli.DurationFlag{
			Name:  "join-timeout",
			Value: cfg.SyncJoinTimeout,
			Usage: "How long to wait for the relay when joining a session.",
		},
	}
}

func runCommand(cfg config.Config) *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     "route",
			Aliases:  []string{"r"},
			Required: true,
			Usage:    "JSON file holding the route as an array of location samples.",
		},
		&cli.StringFlag{
			Name:     "owner",
			Required: true,
			Usage:    "User id that owns the run.",
		},
		&cli.StringFlag{
			Name:  "session",
			Usage: "Sync session id. Makes the run synchronized.",
		},
		&cli.StringSliceFlag{
			Name:  "participants",
			Usage: "Other runners in the sync session.",
		},
		&cli.IntFlag{
			Name:  "pause-after",
			Usage: "Pause once this many route points were replayed.",
		},
		&cli.DurationFlag{
			Name:  "pause-for",
			Value: 30 * time.Second,
			Usage: "Simulated length of the pause.",
		},
	}

	return &cli.Command{
		Name:  "run",
		Usage: "Start a run and replay a route into it",
		Flags: append(flags, replayFlags(cfg)...),
		Action: func(c *cli.Context) error {
			samples, err := loadRoute(c.String("route"))
			if err != nil {
				return err
			}
			store, err := openStore(c)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := simOptionsFrom(c, cfg)
			sim := newSimulator(newLogger(c), store, samples, opts, c.App.Writer)
			defer sim.Close()

			session, err := sim.Run(ctx, c.String("owner"), c.String("session"), c.StringSlice("participants"))
			if err != nil {
				return err
			}
			return printSummary(sim.out, session)
		},
	}
}

func recoverCommand(cfg config.Config) *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     "owner",
			Required: true,
			Usage:    "User id whose unfinished run is recovered.",
		},
		&cli.StringFlag{
			Name:    "route",
			Aliases: []string{"r"},
			Usage:   "Route to keep replaying after recovery. Without it the run is ended right away.",
		},
	}

	return &cli.Command{
		Name:  "recover",
		Usage: "Pick up the latest unfinished run after a crash",
		Flags: append(flags, replayFlags(cfg)...),
		Action: func(c *cli.Context) error {
			var samples []location.Sample
			if path := c.String("route"); path != "" {
				var err error
				if samples, err = loadRoute(path); err != nil {
					return err
				}
			}
			store, err := openStore(c)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			sim := newSimulator(newLogger(c), store, samples, simOptionsFrom(c, cfg), c.App.Writer)
			defer sim.Close()

			session, err := sim.Recover(ctx, c.String("owner"))
			if err != nil {
				return err
			}
			if session == nil {
				fmt.Fprintf(sim.out, "no unfinished run for %s\n", c.String("owner"))
				return nil
			}
			return printSummary(sim.out, *session)
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List stored runs, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "owner",
				Required: true,
				Usage:    "User id whose runs are listed.",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the sessions as JSON.",
			},
		},
		Action: func(c *cli.Context) error {
			store, err := openStore(c)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.FetchAll(c.Context, c.String("owner"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				enc := json.NewEncoder(c.App.Writer)
				enc.SetIndent("", "  ")
				if sessions == nil {
					sessions = []run.Session{}
				}
				return enc.Encode(sessions)
			}
			return printHistory(c.App.Writer, sessions)
		},
	}
}

func tokenCommand(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue a bearer token for the run history API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "user",
				Aliases:  []string{"u"},
				Required: true,
				Usage:    "User id carried by the token.",
			},
			&cli.StringFlag{
				Name:  "secret",
				Value: cfg.JWTSecret,
				Usage: "HMAC secret shared with the API server.",
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Value: auth.DefaultTokenTTL,
				Usage: "Token lifetime.",
			},
		},
		Action: func(c *cli.Context) error {
			token, err := auth.NewSigner(c.String("secret")).Sign(c.String("user"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, token)
			return nil
		},
	}
}

func simOptionsFrom(c *cli.Context, cfg config.Config) simOptions {
	return simOptions{
		Interval:    c.Duration("interval"),
		Speed:       c.Float64("speed"),
		PauseAfter:  c.Int("pause-after"),
		PauseFor:    c.Duration("pause-for"),
		SyncURL:     c.String("sync-url"),
		JoinTimeout: c.Duration("join-timeout"),
		Sync: syncchan.Config{
			BaseDelay:         cfg.SyncBaseDelay,
			MaxAttempts:       cfg.SyncMaxAttempts,
			HeartbeatInterval: cfg.SyncHeartbeat,
		},
	}
}

func openStore(c *cli.Context) (*runstore.Bolt, error) {
	path := c.String("db")
	store, err := runstore.OpenBolt(path)
	if err != nil {
		return nil, fmt.Errorf("open run store %s: %w", path, err)
	}
	return store, nil
}

func newLogger(c *cli.Context) *slog.Logger {
	return logging.NewWithWriter(c.App.ErrWriter, c.String("log-level"))
}

func printSummary(w io.Writer, s run.Session) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "session\t%s\n", s.ID)
	fmt.Fprintf(tw, "type\t%s\n", describeType(s.Type))
	fmt.Fprintf(tw, "route points\t%d\n", len(s.Route))
	fmt.Fprintf(tw, "distance\t%.2f km\n", s.DistanceMeters/1000)
	fmt.Fprintf(tw, "average pace\t%s\n", formatPace(s.AveragePaceMinPerKm))
	if s.EndTime != nil {
		fmt.Fprintf(tw, "duration\t%s\n", s.EndTime.Sub(s.StartTime).Round(time.Second))
	}
	return tw.Flush()
}

func printHistory(w io.Writer, sessions []run.Session) error {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no runs")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tTYPE\tDISTANCE\tPACE\tSTATUS")
	for _, s := range sessions {
		status := "unfinished"
		if s.Completed() {
			status = "completed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f km\t%s\t%s\n",
			s.ID,
			s.StartTime.Local().Format(time.DateTime),
			describeType(s.Type),
			s.DistanceMeters/1000,
			formatPace(s.AveragePaceMinPerKm),
			status)
	}
	return tw.Flush()
}

func describeType(t run.Type) string {
	if id, ok := t.SyncSessionID(); ok {
		return "synchronized:" + id
	}
	if id, ok := t.OriginalSessionID(); ok {
		return "replay:" + id
	}
	return t.Kind().String()
}

func formatPace(pace float64) string {
	if pace <= 0 {
		return "-"
	}
	whole := int(pace)
	secs := int((pace - float64(whole)) * 60)
	return fmt.Sprintf("%d:%02d min/km", whole, secs)
}
