package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	"github.com/fho/mailsyncd/internal/config"
	"github.com/fho/mailsyncd/internal/imapsync"
	"github.com/fho/mailsyncd/internal/netdial"
	"github.com/fho/mailsyncd/internal/neterr"
	"github.com/fho/mailsyncd/internal/retry"
	"github.com/fho/mailsyncd/internal/spool"
	"github.com/fho/mailsyncd/internal/store"
)

var (
	version = "version-undefined"
	commit  = "commit-undefined"
)

type flags struct {
	cfgPath          string
	printVersion     bool
	once             bool
	configureFolders bool
	emptyFolder      string
	dryRun           bool
}

func mustParseFlags() *flags {
	var result flags

	flag.StringVar(&result.cfgPath, "cfg-file", "/etc/mailsyncd/config.toml",
		"Path to the mailsyncd config file")
	flag.BoolVar(&result.printVersion, "version", false,
		"print the version and exit")
	flag.BoolVar(&result.once, "once", false,
		"downloads all new mails of the watch folder once and terminates",
	)
	flag.BoolVar(&result.configureFolders, "configure-folders", false,
		"rediscovers the sent and mvbox folders before syncing",
	)
	flag.StringVar(&result.emptyFolder, "empty-folder", "",
		"deletes all mails in the given folder and terminates",
	)

	flag.BoolVarP(&result.dryRun, "dry-run", "n", false,
		"simulates modifying operations on the IMAP server, also enables --once",
	)

	flag.Parse()

	if result.dryRun {
		result.once = true
	}

	return &result
}

func configureLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			// do not log timestamp, mailsyncd is normally run as
			// daemon, journald/syslog already adds timestamps
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	})

	return slog.New(h)
}

var (
	handledSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT}
	// fetchSignal interrupts waiting for changes and triggers a fetch.
	fetchSignal = syscall.SIGUSR1
)

func removeSigHandler() {
	signal.Reset(append(handledSignals, fetchSignal)...)
}

func installSigHandler(logger *slog.Logger, cancel context.CancelFunc, clt *imapsync.Client) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, append(handledSignals, fetchSignal)...)

	go func() {
		for sig := range sigCh {
			if sig == fetchSignal {
				logger.Info("received SIGUSR1, fetching new mails")
				clt.InterruptIdle()
				continue
			}

			var strSig string
			switch ssig, ok := sig.(syscall.Signal); ok {
			case true:
				strSig = fmt.Sprintf("%d, %s", ssig, ssig)
			default:
				strSig = sig.String()
			}

			logger.Info(fmt.Sprintf("received signal (%s), terminating mailsyncd", strSig))
			cancel()
			clt.InterruptIdle()

			return
		}
	}()
}

type daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *store.DB
	jobs   *spool.Jobs
	clt    *imapsync.Client
}

func newDaemon(cfg *config.Config, flags *flags, logger *slog.Logger) (*daemon, error) {
	db, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	if _, err := db.PruneDNSCache(context.Background(), time.Now(), netdial.CacheMaxAge); err != nil {
		logger.Warn("pruning dns cache failed", "error", err)
	}

	ingester, err := spool.NewIngester(db, cfg.SpoolDir, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	timeout, err := cfg.Timeout()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	jobs := spool.NewJobs(db, logger)

	clt := imapsync.NewClient(&imapsync.Config{
		Dialer: &imapsync.NetSessionDialer{
			TCPDialer:   netdial.NewDialer(db, logger),
			Timeout:     timeout,
			UseDNSCache: !cfg.DisableDNSCache,
			LogIMAPData: cfg.LogIMAPData,
			DryRun:      flags.dryRun,
			Logger:      logger,
		},
		Store:       db,
		Ingester:    ingester,
		Lookup:      spool.NewLookup(db),
		Jobs:        jobs,
		Events:      spool.NewLogSink(logger),
		Tokens:      &spool.StaticTokenSource{AccessToken: cfg.ImapOAuth2Token},
		WatchFolder: cfg.WatchFolder,
		Logger:      logger,
	})

	return &daemon{
		cfg:    cfg,
		logger: logger,
		db:     db,
		jobs:   jobs,
		clt:    clt,
	}, nil
}

func (d *daemon) Close() error {
	d.clt.Disconnect()
	return d.db.Close()
}

// connect establishes the initial connection, retryable network errors are
// retried with increasing pauses.
func (d *daemon) connect(ctx context.Context) error {
	params, err := d.cfg.LoginParams()
	if err != nil {
		return err
	}

	r := retry.Runner{
		Fn: func(ctx context.Context) error {
			return d.clt.Connect(ctx, params)
		},
		IsRetryable:         neterr.IsRetryableError,
		MaxRetriesSameError: 10,
		RetryIntervals: []time.Duration{
			5 * time.Second,
			30 * time.Second,
			time.Minute,
			5 * time.Minute,
		},
		Logger: d.logger,
	}

	return r.Run(ctx)
}

func (d *daemon) configureFoldersIfNeeded(force bool) error {
	v, found, err := d.db.GetRawConfig(imapsync.ConfigKeyFoldersConfigured)
	if err != nil {
		return err
	}

	if !force && found && v == strconv.Itoa(imapsync.FoldersConfiguredVersion) {
		return nil
	}

	var flags imapsync.ConfigureFlags
	if d.cfg.CreateMvbox {
		flags |= imapsync.ConfigureCreateMvbox
	}

	return d.clt.ConfigureFolders(flags)
}

func (d *daemon) fetchAndRunJobs(ctx context.Context) {
	start := time.Now()

	if err := d.clt.Fetch(ctx); err != nil {
		d.logger.Warn("fetching mails failed", "error", err)
	}

	retryCnt, err := d.jobs.RunPending(ctx, d.clt)
	if err != nil {
		d.logger.Warn("running jobs failed", "error", err)
	}

	d.logger.Debug("sync finished",
		"duration", time.Since(start).Round(time.Millisecond),
		"jobs_retry_later", retryCnt,
	)
}

func (d *daemon) run(ctx context.Context) {
	for ctx.Err() == nil {
		d.fetchAndRunJobs(ctx)
		if ctx.Err() != nil {
			return
		}

		outcome := d.clt.Idle(ctx)
		d.logger.Debug("waiting for changes finished", "outcome", outcome)
	}
}

func printSpoolSummary(cfg *config.Config) {
	entries, err := os.ReadDir(cfg.SpoolDir)
	if err != nil {
		return
	}

	var size uint64
	for _, e := range entries {
		if info, err := e.Info(); err == nil {
			size += uint64(info.Size())
		}
	}

	fmt.Printf("Spool directory contains %d mails (%s).\n", len(entries), humanize.IBytes(size))
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.FromFile(path)
	if err != nil {
		return nil, err
	}

	if dir := os.Getenv("CREDENTIALS_DIRECTORY"); dir != "" {
		if err := cfg.LoadCredentialsFromDirectory(dir); err != nil {
			return nil, err
		}
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func main() {
	flags := mustParseFlags()
	if flags.printVersion {
		fmt.Printf("mailsyncd %s (%s)\n", version, commit)
		os.Exit(0)
	}

	logger := configureLogger()

	cfg, err := loadConfig(flags.cfgPath)
	if err != nil {
		logger.Error("loading config failed", "error", err)
		os.Exit(1)
	}

	fmt.Print(cfg.String())

	if flags.dryRun {
		fmt.Println("--dry-run enabled, IMAP mailboxes are not modified")
	}

	d, err := newDaemon(cfg, flags, logger)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	installSigHandler(logger, cancel, d.clt)

	exitCode := 0
	if err := runDaemon(ctx, d, flags); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(err.Error())
		exitCode = 1
	}

	removeSigHandler()
	cancel()

	if err := d.Close(); err != nil {
		logger.Warn("closing database failed", "error", err)
	}

	os.Exit(exitCode)
}

func runDaemon(ctx context.Context, d *daemon, flags *flags) error {
	if err := d.connect(ctx); err != nil {
		return fmt.Errorf("connecting to imap server failed: %w", err)
	}

	if err := d.configureFoldersIfNeeded(flags.configureFolders); err != nil {
		return fmt.Errorf("configuring folders failed: %w", err)
	}

	if flags.emptyFolder != "" {
		if err := d.clt.EmptyFolder(ctx, flags.emptyFolder); err != nil {
			return fmt.Errorf("emptying folder %q failed: %w", flags.emptyFolder, err)
		}

		fmt.Printf("Deleted all mails in %q.\n", flags.emptyFolder)
		return nil
	}

	if flags.once {
		fmt.Printf("Fetching mails 1x and terminating (--once).\n\n")
		d.fetchAndRunJobs(ctx)
		printSpoolSummary(d.cfg)
		return nil
	}

	fmt.Printf("Monitoring IMAP folder %q continuously.\n\n", d.cfg.WatchFolder)
	d.run(ctx)

	return nil
}
