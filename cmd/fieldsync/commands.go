package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/urfave/cli/v2"

	"github.com/kimhsiao/fieldsync/internal/app"
	"github.com/kimhsiao/fieldsync/internal/attendance"
	"github.com/kimhsiao/fieldsync/internal/config"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/photo"
)

const progressTemplate pb.ProgressBarTemplate = `{{string . "photo"}} {{counters . }} {{bar . }} {{percent . }} {{speed . }}`

// open loads configuration and builds the sync core.
func open(c *cli.Context) (*app.App, error) {
	cfg, err := config.Load(c.String("config"), c.StringSlice("env-file")...)
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if err := initLogging(cfg.Logging); err != nil {
		return nil, err
	}
	return app.New(cfg, app.WithLogger(logging.Get()))
}

func initLogging(cfg config.LoggingConfig) error {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = f
	}
	logging.Init(out, level)
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runDaemon(c *cli.Context) error {
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(c.Context)
	defer stop()
	return a.Run(ctx)
}

func showStatus(c *cli.Context) error {
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := c.Context
	st, err := a.Manager.GetSyncStatus(ctx)
	if err != nil {
		return err
	}
	photos, err := a.Manager.GetQueuedPhotosStatus(ctx)
	if err != nil {
		return err
	}
	online := a.Prober.Check(ctx)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Remote\t%s (reachable: %v)\n", a.Config.Remote.BaseURL, online)
	fmt.Fprintf(w, "Mutations\tpending %d, syncing %d, failed %d\n", st.Pending, st.Syncing, st.Failed)
	fmt.Fprintf(w, "Next retry\t%s\n", formatTime(st.NextRetry))
	fmt.Fprintf(w, "Photos\tpending %d, uploading %d, completed %d, failed %d\n",
		photos.Pending, photos.Uploading, photos.Completed, photos.Failed)
	if err := a.Store.Degraded(); err != nil {
		fmt.Fprintf(w, "Store\tDEGRADED: %v\n", err)
	}
	return w.Flush()
}

func syncNow(c *cli.Context) error {
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(c.Context)
	defer stop()

	if _, err := a.Queue.Recover(ctx); err != nil {
		return err
	}
	online := a.Prober.Check(ctx)
	a.Manager.SetOnlineStatus(online, models.NetworkType(a.Config.Connectivity.Network))

	bars := newPhotoBars()
	a.Photos.SetProgressHandler(bars.update)
	defer bars.finish()

	res, err := a.Manager.SyncNow(ctx, c.Bool("force"))
	if err != nil {
		return err
	}
	bars.finish()

	m := res.Mutations
	fmt.Printf("Mutations: %d synced, %d failed, %d conflicts, %d skipped, %d deferred (%s)\n",
		m.Synced, m.Failed, m.Conflicts, m.Skipped, m.Deferred, m.Duration.Round(time.Millisecond))
	switch {
	case res.PhotosDeferred:
		fmt.Println("Photos: deferred on metered network (use --force)")
	case res.Photos != nil:
		fmt.Printf("Photos: %d uploaded, %d failed, %d skipped\n", res.Photos.Uploaded, res.Photos.Failed, res.Photos.Skipped)
	}
	if res.PhotoError != "" {
		fmt.Printf("Photo pass error: %v\n", res.PhotoError)
	}
	return nil
}

func listQueue(c *cli.Context) error {
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()

	var list []models.QueuedMutation
	if s := c.String("status"); s != "" {
		list, err = a.Queue.ListByStatus(c.Context, models.MutationStatus(s))
	} else {
		list, err = a.Queue.List(c.Context)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tRETRIES\tQUEUED\tLAST ERROR")
	for _, m := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			m.ID, m.Type, m.Status, m.RetryCount, time.UnixMilli(m.CreatedAt).Format(time.RFC3339), m.LastError)
	}
	return w.Flush()
}

func retryExhausted(c *cli.Context) error {
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()

	mutations, err := a.Queue.RetryExhausted(c.Context, a.Config.Sync.MaxRetries)
	if err != nil {
		return err
	}
	photos, err := a.Photos.RetryFailed(c.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Re-armed %d mutations and %d photos\n", mutations, photos)
	return nil
}

func checkIn(c *cli.Context) error {
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Attendance.CheckIn(c.Context, attendance.CheckInRequest{
		TripID:   c.String("trip"),
		GuideID:  c.String("guide"),
		Position: models.Coordinates{Latitude: c.Float64("lat"), Longitude: c.Float64("lon")},
	})
	if apperrors.Is(err, apperrors.ErrValidation) && res != nil {
		return cli.Exit(res.Validation.Message, 2)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s Queued as %s.\n", res.Validation.Message, res.MutationID)
	return nil
}

func checkOut(c *cli.Context) error {
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Attendance.CheckOut(c.Context, attendance.CheckOutRequest{
		TripID:  c.String("trip"),
		GuideID: c.String("guide"),
	})
	if err != nil {
		return err
	}
	fmt.Printf("Check-out queued as %s\n", res.MutationID)
	return nil
}

func addPhoto(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("photo add takes exactly one FILE", 2)
	}
	path := c.Args().First()
	blob, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.Photos.QueuePhotoUpload(c.Context, blob, models.PhotoMetadata{
		TripID:      c.String("trip"),
		Type:        c.String("type"),
		ItemID:      c.String("item"),
		FileName:    filepath.Base(path),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
	})
	if err != nil {
		return err
	}
	fmt.Printf("Queued photo %s (%d bytes)\n", id, len(blob))
	return nil
}

func uploadPhotos(c *cli.Context) error {
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(c.Context)
	defer stop()

	bars := newPhotoBars()
	a.Photos.SetProgressHandler(bars.update)
	res, err := a.Photos.SyncPhotoUploads(ctx)
	bars.finish()
	if err != nil {
		return err
	}
	fmt.Printf("%d uploaded, %d failed, %d skipped\n", res.Uploaded, res.Failed, res.Skipped)
	return nil
}

func listPhotos(c *cli.Context) error {
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()

	photos, err := a.Photos.List(c.Context)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSIZE\tSTATUS\tRETRIES\tURL / ERROR")
	for _, p := range photos {
		detail := p.Metadata.URL
		if detail == "" {
			detail = p.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n", p.ID, p.Metadata.Type, p.Size, p.Status, p.RetryCount, detail)
	}
	return w.Flush()
}

func cleanupPhotos(c *cli.Context) error {
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.Photos.CleanupCompleted(c.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d completed photos\n", n)
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

// photoBars renders one progress bar per uploading photo.
type photoBars struct {
	current string
	bar     *pb.ProgressBar
}

func newPhotoBars() *photoBars { return &photoBars{} }

func (b *photoBars) update(p photo.Progress) {
	if p.PhotoID != b.current {
		b.finish()
		b.current = p.PhotoID
		b.bar = pb.New64(p.Total)
		b.bar.Set(pb.Bytes, true)
		b.bar.SetTemplate(progressTemplate)
		b.bar.Set("photo", p.PhotoID)
		b.bar.Start()
	}
	b.bar.SetCurrent(p.Sent)
}

func (b *photoBars) finish() {
	if b.bar != nil {
		b.bar.Finish()
		b.bar = nil
		b.current = ""
	}
}
