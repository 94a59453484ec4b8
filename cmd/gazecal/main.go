// Command gazecal runs offline gaze calibration over a recording directory:
// it calibrates and maps every section, saves the session cache and
// optionally exports the merged gaze to SQLite.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/gazecal/internal/blink"
	"github.com/banshee-data/gazecal/internal/config"
	"github.com/banshee-data/gazecal/internal/gazedb"
	"github.com/banshee-data/gazecal/internal/markers"
	"github.com/banshee-data/gazecal/internal/monitoring"
	"github.com/banshee-data/gazecal/internal/recorded"
	"github.com/banshee-data/gazecal/internal/recording"
	"github.com/banshee-data/gazecal/internal/section"
	"github.com/banshee-data/gazecal/internal/session"
	"github.com/banshee-data/gazecal/internal/timeutil"
	"github.com/banshee-data/gazecal/internal/version"
)

const markerBatchSize = 16

func main() {
	recordingDir := flag.String("recording", "", "Path to the recording directory (required)")
	configPath := flag.String("config", "", "Path to a calibration config JSON file (defaults apply when empty)")
	dbPath := flag.String("db", "", "SQLite file to export merged gaze to (skipped when empty)")
	tick := flag.Duration("tick", 0, "Update cycle interval (overrides tick_interval)")
	timeout := flag.Duration("timeout", 0, "Abort processing after this long (0 = no limit)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("gazecal"))
		return
	}

	if *recordingDir == "" {
		fmt.Fprintln(os.Stderr, "-recording is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.DefaultCalibrationConfig()
	if *configPath != "" {
		loaded, err := config.LoadCalibrationConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	monitoring.SetDebug(*debug || cfg.GetDebug())

	interval := cfg.GetTickInterval()
	if *tick > 0 {
		interval = *tick
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	if err := run(ctx, *recordingDir, cfg, interval, *dbPath); err != nil {
		log.Fatalf("gazecal: %v", err)
	}
}

func run(ctx context.Context, dir string, cfg *config.CalibrationConfig, interval time.Duration, dbPath string) error {
	rec, err := recording.Load(nil, dir)
	if err != nil {
		return err
	}

	var mgr *section.Manager
	notifier := session.NotifierFunc(func(n session.Notification) {
		session.LogNotifier{}.Notify(n)
		if mgr != nil {
			mgr.HandleNotification(n)
		}
	})

	clock := timeutil.RealClock{}
	sess, err := session.New(session.Config{
		RecordingDir: dir,
		Timestamps:   rec.WorldTimestamps,
		Pupils:       rec.Pupils,
		Settings:     cfg,
		Clock:        clock,
		Notifier:     notifier,
	})
	if err != nil {
		return err
	}

	mgr = section.Open(sess)
	defer mgr.Close()

	if len(rec.Markers) > 0 {
		feed := markers.NewFeed(markers.Replay(rec.Markers, markerBatchSize))
		mgr.AttachMarkerFeed(feed)
		if !feed.Complete() {
			feed.Start()
		}
	}

	if rec.Gaze != nil {
		producer := recorded.New(sess, rec.Gaze)
		defer func() {
			if err := producer.Close(); err != nil {
				monitoring.Logf("[gazecal] failed to save manual gaze correction: %v", err)
			}
		}()
		monitoring.Logf("[gazecal] recorded gaze available: %d positions", len(producer.GazePositions()))
	}

	start := clock.Now()
	if err := session.Drive(ctx, clock, interval, mgr); err != nil {
		return fmt.Errorf("processing interrupted: %w", err)
	}
	monitoring.Logf("[gazecal] processing finished in %v", clock.Since(start).Round(time.Millisecond))

	for _, s := range mgr.Sections() {
		line := fmt.Sprintf("%s [%s] %s", s.Label(), s.Type(), s.Status())
		if acc, prec := s.Accuracy(); acc != nil && prec != nil {
			line += fmt.Sprintf(" (accuracy %.2f°, precision %.3f°)", *acc, *prec)
		}
		fmt.Println(line)
	}

	blinks := blink.Detect(rec.Pupils, cfg.GetBlinkHistory(), cfg.GetBlinkOnsetThreshold(), cfg.GetBlinkOffsetThreshold())
	monitoring.Logf("[gazecal] detected %d blink events", len(blinks))
	for _, e := range blinks {
		monitoring.Debugf("[gazecal] blink %s at %.3f: response %.2f, spectrum q25/q50 bins %d/%d",
			e.Kind, e.Timestamp, e.Response, e.Q25, e.Q50)
	}

	if dbPath == "" {
		return nil
	}
	return export(dbPath, sess, mgr, blinks)
}

func export(dbPath string, sess *session.Session, mgr *section.Manager, blinks []blink.Event) error {
	db, err := gazedb.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open export database: %w", err)
	}
	defer db.Close()

	var summaries []gazedb.SectionSummary
	for _, s := range mgr.Sections() {
		dx, dy := s.Offset()
		summaries = append(summaries, gazedb.SectionSummary{
			Label:            s.Label(),
			Type:             string(s.Type()),
			CalibrationRange: s.CalibrationRange().Pair(),
			MappingRange:     s.MappingRange().Pair(),
			MappingMethod:    string(s.MappingMethod()),
			Status:           s.Status(),
			XOffset:          dx,
			YOffset:          dy,
		})
	}

	merged := mgr.Merge()
	frames := make([]int, len(merged))
	for i, g := range merged {
		frames[i] = sess.Index.FrameForTimestamp(g.Timestamp)
	}

	id, err := db.WriteMerged(sess.RecordingDir, summaries, merged, frames)
	if err != nil {
		return err
	}
	if err := db.WriteBlinks(id, blinks); err != nil {
		return err
	}
	fmt.Printf("exported session %s to %s\n", id, dbPath)
	return nil
}
