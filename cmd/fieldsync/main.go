// Command fieldsync runs and inspects the offline-first sync core.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	return &cli.App{
		Name:                 "fieldsync",
		Usage:                "Offline-first sync core for field operations",
		Version:              Version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"FIELDSYNC_CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "dotenv files to load before reading FIELDSYNC_* variables (default .env)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override logging.level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Sync in the background until interrupted",
				Action: runDaemon,
			},
			{
				Name:   "status",
				Usage:  "Show queue and photo status",
				Action: showStatus,
			},
			{
				Name:  "sync",
				Usage: "Run one sync cycle now",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "upload photos even on a metered network in data-saver mode",
					},
				},
				Action: syncNow,
			},
			{
				Name:  "queue",
				Usage: "Inspect the mutation queue",
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "List queued mutations",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "status",
								Usage: "only show pending, syncing or failed mutations",
							},
						},
						Action: listQueue,
					},
				},
			},
			{
				Name:   "retry",
				Usage:  "Re-arm mutations and photos that ran out of retries",
				Action: retryExhausted,
			},
			{
				Name:  "checkin",
				Usage: "Check a guide in at a position",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "trip", Usage: "trip id", Required: true},
					&cli.StringFlag{Name: "guide", Usage: "guide id", Required: true},
					&cli.Float64Flag{Name: "lat", Usage: "latitude", Required: true},
					&cli.Float64Flag{Name: "lon", Usage: "longitude", Required: true},
				},
				Action: checkIn,
			},
			{
				Name:  "checkout",
				Usage: "Check a guide out",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "trip", Usage: "trip id", Required: true},
					&cli.StringFlag{Name: "guide", Usage: "guide id", Required: true},
				},
				Action: checkOut,
			},
			{
				Name:  "photo",
				Usage: "Manage queued photos",
				Subcommands: []*cli.Command{
					{
						Name:      "add",
						Usage:     "Queue a photo for upload",
						ArgsUsage: "FILE",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "type", Usage: "what the photo is evidence of", Required: true},
							&cli.StringFlag{Name: "trip", Usage: "trip id"},
							&cli.StringFlag{Name: "item", Usage: "related item id"},
						},
						Action: addPhoto,
					},
					{
						Name:   "upload",
						Usage:  "Upload queued photos with progress",
						Action: uploadPhotos,
					},
					{
						Name:   "list",
						Usage:  "List queued photos",
						Action: listPhotos,
					},
					{
						Name:   "cleanup",
						Usage:  "Remove completed photos past retention",
						Action: cleanupPhotos,
					},
				},
			},
		},
	}
}
