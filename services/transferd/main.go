package transferd

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"agrichain/crypto"
	"agrichain/observability/logging"
	"agrichain/services/transferd/config"
	"agrichain/services/transferd/ledger"
	"agrichain/services/transferd/models"
	"agrichain/services/transferd/recon"
	"agrichain/services/transferd/server"
	"agrichain/services/transferd/submit"
)

// Main initialises and runs the transfer daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/transferd/config.toml", "path to transferd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("AGRICHAIN_ENV"))
	logging.Setup("transferd", env)
	log := slog.Default()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dsn, err := cfg.ResolveDSN()
	if err != nil {
		return err
	}
	db, err := openDatabase(dsn)
	if err != nil {
		return fmt.Errorf("open mirror database: %w", err)
	}
	if err := models.Migrate(db); err != nil {
		return fmt.Errorf("migrate mirror database: %w", err)
	}

	client := ledger.NewRPCClient(cfg.Node.RPCURL, cfg.ResolveAuthToken())
	sub := submit.NewSubmitter(client, submit.Options{
		GasMarginPercent: cfg.Submit.GasMarginPercent,
		GasPrice:         cfg.Submit.GasPrice,
		ReceiptTimeout:   cfg.Submit.ReceiptTimeout.Duration,
		PollInterval:     cfg.Submit.PollInterval.Duration,
	}, log)
	for _, entry := range cfg.Keys {
		keyHex, err := entry.ResolveKeyHex()
		if err != nil {
			return err
		}
		raw, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			return fmt.Errorf("decode key for %s: %w", entry.Identity, err)
		}
		key, err := crypto.PrivateKeyFromBytes(raw)
		if err != nil {
			return fmt.Errorf("load key for %s: %w", entry.Identity, err)
		}
		derived := key.PubKey().Address()
		declared, pinned, err := entry.DeclaredAddress()
		if err != nil {
			return err
		}
		if pinned && declared != derived {
			return fmt.Errorf("key for %s derives %s, config pins %s",
				entry.Identity, crypto.EncodeAddress(derived), crypto.EncodeAddress(declared))
		}
		if err := sub.RegisterKey(entry.Identity, key); err != nil {
			return err
		}
		log.Info("signing key loaded",
			slog.String("identity", entry.Identity),
			slog.String("address", crypto.EncodeAddress(derived)),
		)
	}

	svc := recon.New(db, client, sub, log)
	svc.SetRecheckDelay(cfg.Recon.RecheckDelay.Duration)

	watcher := recon.NewWatcher(db, client, svc, log)
	watcher.SetInterval(cfg.Recon.WatchInterval.Duration)
	scheduler := recon.NewScheduler(svc, cfg.Recon.ResolveInterval.Duration, log)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      server.New(svc, log).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() { _ = watcher.Run(stopCtx) }()
	go func() { _ = scheduler.Run(stopCtx) }()

	errs := make(chan error, 1)
	go func() {
		log.Info("transferd listening", slog.String("addr", cfg.Listen))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// openDatabase picks the driver from the DSN shape: postgres for server
// deployments, sqlite for local development files.
func openDatabase(dsn string) (*gorm.DB, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	}
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{})
}
