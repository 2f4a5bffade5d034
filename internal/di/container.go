// Package di assembles repositories, collaborators and order services from configuration.
package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/api/option"

	"github.com/portal-agro/api/internal/platform/config"
	pfirestore "github.com/portal-agro/api/internal/platform/firestore"
	"github.com/portal-agro/api/internal/platform/jobs"
	ppostgres "github.com/portal-agro/api/internal/platform/postgres"
	"github.com/portal-agro/api/internal/platform/storage"
	"github.com/portal-agro/api/internal/repositories"
	firestorerepo "github.com/portal-agro/api/internal/repositories/firestore"
	"github.com/portal-agro/api/internal/repositories/memory"
	postgresrepo "github.com/portal-agro/api/internal/repositories/postgres"
	"github.com/portal-agro/api/internal/services"
)

// Container wires repositories, services and background scanners for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Health       repositories.HealthRepository

	Orders              services.OrderService
	ExpiryScanner       *services.OrderScanner
	AutoCompleteScanner *services.OrderScanner

	closers []func(context.Context) error
}

// Option customises container construction.
type Option func(*options)

type options struct {
	registry      repositories.Registry
	media         services.MediaStore
	notifier      services.OrderNotifier
	events        services.OrderEventPublisher
	clock         func() time.Time
	meter         metric.Meter
	logger        func(ctx context.Context, event string, fields map[string]any)
	clientOptions []option.ClientOption
}

// WithRegistry supplies a repository registry instead of building one from the driver setting.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithMediaStore overrides the payment proof store.
func WithMediaStore(media services.MediaStore) Option {
	return func(o *options) { o.media = media }
}

// WithNotifier overrides the lifecycle email sender.
func WithNotifier(notifier services.OrderNotifier) Option {
	return func(o *options) { o.notifier = notifier }
}

// WithEventPublisher overrides the order event publisher.
func WithEventPublisher(events services.OrderEventPublisher) Option {
	return func(o *options) { o.events = events }
}

// WithClock injects the clock shared by services and scanners.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMeter sets the meter the scanners report to.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// WithLogger sets the structured event logger handed to every service.
func WithLogger(logger func(ctx context.Context, event string, fields map[string]any)) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClientOptions passes options to the Cloud Storage and Pub/Sub clients.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.clientOptions = append(o.clientOptions, opts...) }
}

// NewContainer constructs the runtime dependencies. Anything built before a failure is
// released before returning the error.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (_ *Container, err error) {
	o := options{
		clock:  time.Now,
		logger: func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	c := &Container{Config: cfg}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	reg := o.registry
	if reg == nil {
		if reg, err = buildRegistry(ctx, cfg.Database, cfg.Firestore); err != nil {
			return nil, err
		}
	}
	c.Repositories = reg
	c.closers = append(c.closers, reg.Close)

	c.Health, err = repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		repositories.RegistryCheck(driverName(cfg.Database.Driver, o.registry != nil), reg),
	})
	if err != nil {
		return nil, fmt.Errorf("build health repository: %w", err)
	}

	media := o.media
	if media == nil && strings.TrimSpace(cfg.Storage.PaymentsBucket) != "" {
		if media, err = c.buildMediaStore(ctx, cfg.Storage, o.clientOptions); err != nil {
			return nil, err
		}
	}

	notifier, events := o.notifier, o.events
	if notifier == nil || events == nil {
		builtNotifier, builtEvents, err := c.buildPublishers(ctx, cfg.PubSub, o.clientOptions)
		if err != nil {
			return nil, err
		}
		if notifier == nil && builtNotifier != nil {
			notifier = builtNotifier
		}
		if events == nil && builtEvents != nil {
			events = builtEvents
		}
	}

	deps := services.OrderServiceDeps{
		Orders:       reg.Orders(),
		Products:     reg.Products(),
		Participants: reg.Participants(),
		UnitOfWork:   reg,
		Media:        media,
		Notifier:     notifier,
		Events:       events,
		Deadlines:    services.NewOrderDeadlines(cfg.Orders.PaymentUploadDeadlineHours, cfg.Orders.DeliveredConfirmDeadlineHours),
		Clock:        o.clock,
		Logger:       o.logger,
	}
	if c.Orders, err = services.NewOrderService(deps); err != nil {
		return nil, fmt.Errorf("build order service: %w", err)
	}
	reconciler, err := services.NewOrderReconciler(deps)
	if err != nil {
		return nil, fmt.Errorf("build order reconciler: %w", err)
	}

	if c.ExpiryScanner, err = buildScanner(services.ScannerExpiry, cfg.Scanners.Expiry, reg, reconciler, o); err != nil {
		return nil, err
	}
	if c.AutoCompleteScanner, err = buildScanner(services.ScannerAutoComplete, cfg.Scanners.AutoComplete, reg, reconciler, o); err != nil {
		return nil, err
	}
	return c, nil
}

// Close releases clients and the repository registry in reverse construction order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Scanners returns the scanners enabled by configuration.
func (c *Container) Scanners() []*services.OrderScanner {
	var scanners []*services.OrderScanner
	if c.Config.Scanners.Expiry.Enabled && c.ExpiryScanner != nil {
		scanners = append(scanners, c.ExpiryScanner)
	}
	if c.Config.Scanners.AutoComplete.Enabled && c.AutoCompleteScanner != nil {
		scanners = append(scanners, c.AutoCompleteScanner)
	}
	return scanners
}

func buildRegistry(ctx context.Context, db config.DatabaseConfig, fs config.FirestoreConfig) (repositories.Registry, error) {
	switch db.Driver {
	case config.StorageDriverPostgres:
		pool, err := ppostgres.NewPool(ctx, db)
		if err != nil {
			return nil, err
		}
		if db.Migrate {
			if err := ppostgres.Migrate(pool); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return postgresrepo.NewRegistry(pool), nil
	case config.StorageDriverFirestore:
		reg, err := firestorerepo.NewRegistry(pfirestore.NewProvider(fs))
		if err != nil {
			return nil, fmt.Errorf("build firestore registry: %w", err)
		}
		return reg, nil
	case config.StorageDriverMemory:
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", db.Driver)
	}
}

func driverName(driver string, injected bool) string {
	if injected || driver == "" {
		return "repositories"
	}
	return driver
}

func (c *Container) buildMediaStore(ctx context.Context, cfg config.StorageConfig, clientOpts []option.ClientOption) (services.MediaStore, error) {
	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("build storage client: %w", err)
	}
	c.closers = append(c.closers, func(context.Context) error { return client.Close() })

	media, err := storage.NewMediaStore(client, cfg.PaymentsBucket, storage.WithPublicBaseURL(cfg.PublicBaseURL))
	if err != nil {
		return nil, fmt.Errorf("build media store: %w", err)
	}
	return media, nil
}

func (c *Container) buildPublishers(ctx context.Context, cfg config.PubSubConfig, clientOpts []option.ClientOption) (services.OrderNotifier, services.OrderEventPublisher, error) {
	eventsTopic := strings.TrimSpace(cfg.OrderEventsTopic)
	mailTopic := strings.TrimSpace(cfg.OrderMailTopic)
	if eventsTopic == "" && mailTopic == "" {
		return nil, nil, nil
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("build pubsub client: %w", err)
	}
	c.closers = append(c.closers, func(context.Context) error { return client.Close() })

	var (
		notifier services.OrderNotifier
		events   services.OrderEventPublisher
	)
	if mailTopic != "" {
		topic := client.Topic(mailTopic)
		c.closers = append(c.closers, stopTopic(topic))
		publisher, err := jobs.NewPubSubOrderMailPublisher(topic)
		if err != nil {
			return nil, nil, err
		}
		notifier = publisher
	}
	if eventsTopic != "" {
		topic := client.Topic(eventsTopic)
		c.closers = append(c.closers, stopTopic(topic))
		publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
		if err != nil {
			return nil, nil, err
		}
		events = publisher
	}
	return notifier, events, nil
}

func stopTopic(topic *pubsub.Topic) func(context.Context) error {
	return func(context.Context) error {
		topic.Stop()
		return nil
	}
}

func buildScanner(kind services.ScannerKind, cfg config.ScannerConfig, reg repositories.Registry, reconciler services.OrderReconciler, o options) (*services.OrderScanner, error) {
	scanner, err := services.NewOrderScanner(services.OrderScannerDeps{
		Kind:       kind,
		Orders:     reg.Orders(),
		Reconciler: reconciler,
		Config: services.ScannerConfig{
			Interval:   cfg.Interval,
			BatchSize:  cfg.BatchSize,
			SendEmails: cfg.SendEmails,
		},
		Clock:  o.clock,
		Meter:  o.meter,
		Logger: o.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build %s scanner: %w", kind, err)
	}
	return scanner, nil
}
