package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shiftline/shiftline/internal/catalog"
	"github.com/shiftline/shiftline/internal/config"
	"github.com/shiftline/shiftline/internal/queue"
	"github.com/shiftline/shiftline/internal/recording"
	"github.com/shiftline/shiftline/internal/store"
)

// shiftline-diag is the operator's console for a running deployment:
//
//	shiftline-diag probe-call-flow
//	shiftline-diag inspect-cascade <shift-id>
//	shiftline-diag verify-recording-pipeline
//	shiftline-diag replay-event-stream <provider-id> <yyyy-mm-dd>
//
// Exit codes: 0 healthy, 1 check failed, 2 usage error.
func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	sub := os.Args[1]

	cfg, err := config.Load(os.Args[2:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var runErr error
	switch sub {
	case "probe-call-flow":
		runErr = probeCallFlow(ctx, cfg, logger)
	case "inspect-cascade":
		args := positional(os.Args[2:])
		if len(args) != 1 {
			usage()
			os.Exit(2)
		}
		runErr = inspectCascade(ctx, cfg, logger, args[0])
	case "verify-recording-pipeline":
		runErr = verifyRecordingPipeline(ctx, cfg, logger)
	case "replay-event-stream":
		args := positional(os.Args[2:])
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		runErr = replayEventStream(ctx, cfg, logger, args[0], args[1])
	default:
		usage()
		os.Exit(2)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", runErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: shiftline-diag <command> [flags]

commands:
  probe-call-flow                            drive a synthetic call through the flow engine
  inspect-cascade <shift-id>                 show the cascade plan and pending jobs for a shift
  verify-recording-pipeline                  round-trip a probe object through the recording store
  replay-event-stream <provider-id> <date>   print a provider's event stream for a day (yyyy-mm-dd)`)
}

// positional strips flags (and their values) from an argument list,
// leaving the bare positionals. Flags are forwarded to config.Load.
func positional(args []string) []string {
	var out []string
	skip := false
	for _, a := range args {
		if skip {
			skip = false
			continue
		}
		if len(a) > 0 && a[0] == '-' {
			// "-flag value" unless written as "-flag=value".
			if !hasEquals(a) {
				skip = true
			}
			continue
		}
		out = append(out, a)
	}
	return out
}

func hasEquals(s string) bool {
	for _, r := range s {
		if r == '=' {
			return true
		}
	}
	return false
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}
	return rdb, nil
}

// inspectCascade prints the release plan marker, the shift's current
// status, and every still-scheduled job handle for the shift.
func inspectCascade(ctx context.Context, cfg *config.Config, logger *slog.Logger, shiftID string) error {
	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	plan, err := rdb.Get(ctx, "cascade-plan:"+shiftID).Result()
	switch {
	case err == redis.Nil:
		fmt.Printf("plan:    none (shift %s has no active cascade)\n", shiftID)
	case err != nil:
		return fmt.Errorf("reading plan marker: %w", err)
	default:
		fmt.Printf("plan:    release attempt %s\n", plan)
	}

	cat := catalog.NewClient(cfg.CatalogBaseURL, cfg.CatalogBaseID, cfg.CatalogAPIKey, logger)
	shift, err := cat.ShiftFresh(ctx, shiftID)
	if err != nil {
		fmt.Printf("shift:   lookup failed: %v\n", err)
	} else {
		fmt.Printf("shift:   %s  status=%s  scheduled=%s\n",
			shift.ID, shift.Status, shift.ScheduledAt.Format(time.RFC3339))
	}

	q := queue.New(rdb, "shiftline")
	handles, err := q.Pending(ctx)
	if err != nil {
		return fmt.Errorf("listing pending jobs: %w", err)
	}

	prefix := "cascade:" + shiftID + ":"
	found := 0
	for _, h := range handles {
		if len(h) >= len(prefix) && h[:len(prefix)] == prefix {
			fmt.Printf("pending: %s\n", h)
			found++
		}
	}
	if found == 0 {
		fmt.Println("pending: no scheduled jobs for this shift")
	}
	return nil
}

// verifyRecordingPipeline uploads a probe object, presigns it, and reports
// the resulting URL. Proves credentials, bucket policy, and presigning in
// one pass.
func verifyRecordingPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.S3Bucket == "" {
		return fmt.Errorf("no s3-bucket configured; recordings would fall back to carrier URLs")
	}

	s3Store, err := recording.NewS3Store(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := s3Store.HeadBucket(ctx); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", cfg.S3Bucket, err)
	}
	fmt.Printf("bucket:  %s ok\n", cfg.S3Bucket)

	key := fmt.Sprintf("%s/diag/probe-%d.txt", cfg.S3Prefix, time.Now().Unix())
	if err := s3Store.Put(ctx, key, []byte("shiftline recording pipeline probe"), "text/plain"); err != nil {
		return fmt.Errorf("probe upload failed: %w", err)
	}
	fmt.Printf("upload:  %s ok\n", key)

	url, err := s3Store.PresignGet(ctx, key, 15*time.Minute)
	if err != nil {
		return fmt.Errorf("presign failed: %w", err)
	}
	fmt.Printf("presign: %s\n", url)
	return nil
}

// replayEventStream prints a provider's event stream for one day in
// append order.
func replayEventStream(ctx context.Context, cfg *config.Config, logger *slog.Logger, providerID, day string) error {
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return fmt.Errorf("date must be yyyy-mm-dd: %w", err)
	}

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	events := store.NewEventStream(rdb, logger)
	entries, err := events.Range(ctx, providerID, day)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("no events for %s on %s\n", providerID, day)
		return nil
	}

	for _, e := range entries {
		fmt.Printf("%s  %-22s", e.ID, e.Event)
		for k, v := range e.Fields {
			fmt.Printf("  %s=%s", k, v)
		}
		fmt.Println()
	}
	fmt.Printf("%d events\n", len(entries))
	return nil
}
