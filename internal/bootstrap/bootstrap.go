// Package bootstrap wires configuration into running pipeline components.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/maauso/audioextract/internal/auth"
	"github.com/maauso/audioextract/internal/config"
	"github.com/maauso/audioextract/internal/media"
	"github.com/maauso/audioextract/internal/notify"
	"github.com/maauso/audioextract/internal/queue"
	"github.com/maauso/audioextract/internal/storage"
)

// Dependencies holds the long-lived clients of one process. Fields not
// needed by the process role are nil.
type Dependencies struct {
	Config *config.Config
	Role   config.Role
	Logger *slog.Logger

	Store      storage.Store
	Broker     queue.Broker
	Auth       *auth.Client
	Transcoder media.Transcoder
	Mailer     notify.Mailer

	// heartbeat is how often workers extend in-flight deliveries.
	heartbeat time.Duration
	closers   []func() error
}

// NewDependencies creates and initializes all dependencies role needs.
// Call Close to release them.
func NewDependencies(ctx context.Context, cfg *config.Config, role config.Role, logger *slog.Logger) (_ *Dependencies, err error) {
	d := &Dependencies{Config: cfg, Role: role, Logger: logger}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	if err := d.initBroker(ctx); err != nil {
		return nil, err
	}

	if role.Runs(config.RoleGateway) || role.Runs(config.RoleConverter) {
		if err := d.initStorage(ctx); err != nil {
			return nil, err
		}
	}

	if role.Runs(config.RoleGateway) {
		client, err := auth.NewClient(cfg.AuthSvcAddress, auth.WithTimeout(cfg.AuthTimeout))
		if err != nil {
			return nil, fmt.Errorf("create auth client: %w", err)
		}
		d.Auth = client
	}

	if role.Runs(config.RoleConverter) {
		d.Transcoder = media.NewFFmpegTranscoder(cfg.FFmpegPath, "")
	}

	if role.Runs(config.RoleNotifier) {
		if err := d.initMailer(ctx); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Close releases every client in reverse order of creation.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	d.closers = nil
	return errors.Join(errs...)
}

func (d *Dependencies) initBroker(ctx context.Context) error {
	cfg := d.Config

	if cfg.QueueBackend == config.QueueMemory {
		d.Broker = queue.NewMemoryBroker(queue.WithMemoryMaxDeliveries(cfg.QueueMaxDeliveries))
		d.Logger.Warn("in-memory queue configured, messages do not survive a restart")
		return nil
	}

	broker, holder, err := OpenRedisBroker(ctx, cfg, d.Logger)
	if err != nil {
		return err
	}
	d.closers = append(d.closers, holder.Close)

	healthCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		holder.Run(healthCtx, cfg.RedisHealthInterval)
	}()
	d.closers = append(d.closers, func() error {
		cancel()
		<-done
		return nil
	})

	d.Broker = broker
	d.heartbeat = cfg.QueueVisibilityTimeout / 3

	d.Logger.Info("redis queue configured",
		slog.String("addr", cfg.RedisAddr),
		slog.Duration("visibility_timeout", cfg.QueueVisibilityTimeout),
		slog.Int("max_deliveries", cfg.QueueMaxDeliveries),
	)
	return nil
}

// OpenRedisBroker connects to Redis and returns a broker configured from
// cfg. The caller closes the holder.
func OpenRedisBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*queue.RedisBroker, *queue.Holder, error) {
	holder, err := queue.Connect(ctx, &redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: cfg.RedisDialTimeout,
		// Blocking reads must outlive the read timeout.
		ReadTimeout: cfg.QueueBlockTimeout + 5*time.Second,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	broker := queue.NewRedisBroker(holder,
		queue.WithMaxDeliveries(cfg.QueueMaxDeliveries),
		queue.WithMaxLen(cfg.QueueMaxLen),
		queue.WithBlockTimeout(cfg.QueueBlockTimeout),
		queue.WithVisibilityTimeout(cfg.QueueVisibilityTimeout),
		queue.WithLogger(logger),
	)
	return broker, holder, nil
}

// initStorage creates the appropriate storage backend based on configuration.
func (d *Dependencies) initStorage(ctx context.Context) error {
	cfg := d.Config

	switch cfg.StorageBackend {
	case config.StorageS3:
		store, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("create S3 storage: %w", err)
		}
		d.Store = store
		d.Logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)

	case config.StorageGridFS:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		d.closers = append(d.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return client.Disconnect(ctx)
		})
		store := storage.NewGridFSStore(client.Database(cfg.MongoDatabase))
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		d.Store = store
		d.Logger.Info("GridFS storage configured", slog.String("database", cfg.MongoDatabase))

	default:
		store, err := storage.NewLocalStore(cfg.StorageDir)
		if err != nil {
			return fmt.Errorf("create local storage: %w", err)
		}
		d.Store = store
		d.Logger.Info("local storage configured", slog.String("dir", store.Root()))
	}
	return nil
}

func (d *Dependencies) initMailer(ctx context.Context) error {
	cfg := d.Config

	switch cfg.MailBackend {
	case config.MailSMTP:
		d.Mailer = notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		})
		d.Logger.Info("SMTP mailer configured", slog.String("host", cfg.SMTPHost), slog.Int("port", cfg.SMTPPort))

	case config.MailGmail:
		svc, err := notify.NewGmailService(ctx, cfg.GmailCredentialsFile, cfg.GmailTokenFile)
		if err != nil {
			return fmt.Errorf("create gmail service: %w", err)
		}
		d.Mailer = notify.NewGmailMailer(svc, cfg.MailFrom)
		d.Logger.Info("Gmail mailer configured", slog.String("from", cfg.MailFrom))

	default:
		d.Mailer = notify.NewLogMailer(d.Logger)
		d.Logger.Warn("log mailer configured, notifications are not delivered")
	}
	return nil
}

// consumerName identifies this process in consumer groups.
func consumerName(role config.Role) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%s-%d", role, host, os.Getpid())
}
