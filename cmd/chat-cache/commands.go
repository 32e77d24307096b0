package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"
	chatcache "github.com/wolfeidau/chat-cache"
	"github.com/wolfeidau/chat-cache/kvcache"
	"github.com/wolfeidau/chat-cache/labels"
	"github.com/wolfeidau/chat-cache/media"
	"github.com/wolfeidau/chat-cache/notify"
	"github.com/wolfeidau/chat-cache/objecturl"
)

// MediaCmd groups media cache commands.
type MediaCmd struct {
	Stats        MediaStatsCmd        `cmd:"" help:"Print media cache statistics."`
	Fetch        MediaFetchCmd        `cmd:"" help:"Download a media URL into the cache."`
	Remove       MediaRemoveCmd       `cmd:"" help:"Remove one media URL from the cache."`
	ClearExpired MediaClearExpiredCmd `cmd:"" help:"Remove expired media."`
	Clear        MediaClearCmd        `cmd:"" help:"Remove all cached media."`
}

type MediaStatsCmd struct{}

func (c *MediaStatsCmd) Run(app *App) error {
	store, closeFn, err := app.mediaStore(objecturl.New(""))
	if err != nil {
		return err
	}
	defer closeFn()

	st, err := store.Stats(app.ctx)
	if err != nil {
		return err
	}
	return printJSON(st)
}

type MediaFetchCmd struct {
	URL      string        `arg:"" help:"Remote media URL."`
	MimeType string        `help:"Expected MIME type."`
	TTL      time.Duration `help:"How long to keep the media." default:"168h"`
}

func (c *MediaFetchCmd) Run(app *App) error {
	store, closeFn, err := app.mediaStore(objecturl.New(""))
	if err != nil {
		return err
	}
	defer closeFn()

	ctrl := media.NewController(store,
		media.WithTTL(c.TTL),
		media.WithNotifier(notify.NewLogSink(app.logger)),
		media.WithControllerLogger(app.logger),
	)
	res := ctrl.Attach(app.ctx, c.URL, c.MimeType)
	defer res.Detach()

	if !res.State().IsCached {
		if _, err := res.CacheMedia(app.ctx); err != nil {
			return err
		}
	}
	rec, err := store.Record(app.ctx, res.State().MediaID)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

type MediaRemoveCmd struct {
	URL string `arg:"" help:"Remote media URL."`
}

func (c *MediaRemoveCmd) Run(app *App) error {
	store, closeFn, err := app.mediaStore(objecturl.New(""))
	if err != nil {
		return err
	}
	defer closeFn()
	return store.DeleteCached(app.ctx, media.ID(c.URL))
}

type MediaClearExpiredCmd struct{}

func (c *MediaClearExpiredCmd) Run(app *App) error {
	store, closeFn, err := app.mediaStore(objecturl.New(""))
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := store.ClearExpired(app.ctx)
	if err != nil {
		return err
	}
	app.logger.Info("expired media cleared", "deleted", n)
	return nil
}

type MediaClearCmd struct{}

func (c *MediaClearCmd) Run(app *App) error {
	store, closeFn, err := app.mediaStore(objecturl.New(""))
	if err != nil {
		return err
	}
	defer closeFn()
	return store.ClearAll(app.ctx)
}

// LabelsCmd groups label commands.
type LabelsCmd struct {
	List      LabelsListCmd      `cmd:"" help:"List labels."`
	Add       LabelsAddCmd       `cmd:"" help:"Create a label."`
	Search    LabelsSearchCmd    `cmd:"" help:"Search labels by name or category."`
	Associate LabelsAssociateCmd `cmd:"" help:"Attach conversations to a label."`
	Remove    LabelsRemoveCmd    `cmd:"" help:"Delete a label."`
	Reap      LabelsReapCmd      `cmd:"" help:"Delete labels unused within the retention window."`
	Import    LabelsImportCmd    `cmd:"" help:"Import a legacy labels JSON file."`
	Quota     LabelsQuotaCmd     `cmd:"" help:"Check local storage usage."`
}

// withLabels opens the label store for the duration of fn.
func withLabels(app *App, fn func(ctx context.Context, s *labels.Store) error, opts ...labels.Option) error {
	s, err := app.openLabels(opts...)
	if err != nil {
		return err
	}
	defer s.Close()
	if !s.Supported() {
		app.logger.Warn("label storage unavailable", "phase", s.Phase())
	}
	return fn(app.ctx, s)
}

type LabelsListCmd struct {
	Page int `help:"Page number, starting at 0." default:"0"`
}

func (c *LabelsListCmd) Run(app *App) error {
	return withLabels(app, func(ctx context.Context, s *labels.Store) error {
		return printJSON(s.LabelsForDisplay(ctx, c.Page))
	})
}

type LabelsAddCmd struct {
	Name     string `arg:"" help:"Label name."`
	Color    string `help:"Hex color (a free palette color when empty)."`
	Category string `help:"Optional category."`
}

func (c *LabelsAddCmd) Run(app *App) error {
	return withLabels(app, func(ctx context.Context, s *labels.Store) error {
		if s.Count(ctx) >= labels.MaxLabels {
			return fmt.Errorf("at most %d labels are allowed", labels.MaxLabels)
		}
		if existing, _ := s.GetLabelByName(ctx, c.Name); existing != nil {
			return fmt.Errorf("label %q already exists", existing.Name)
		}
		color := c.Color
		if color == "" {
			color = s.RandomColor(ctx)
		}
		id, err := s.AddLabel(ctx, labels.Label{Name: c.Name, Color: color, Category: c.Category})
		if err != nil {
			return err
		}
		l, err := s.GetLabel(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(l)
	})
}

type LabelsSearchCmd struct {
	Query string `arg:"" optional:"" help:"Case-insensitive substring."`
}

func (c *LabelsSearchCmd) Run(app *App) error {
	return withLabels(app, func(ctx context.Context, s *labels.Store) error {
		found, err := s.SearchLabels(ctx, c.Query)
		if err != nil {
			return err
		}
		return printJSON(found)
	})
}

type LabelsAssociateCmd struct {
	ID       uint64   `arg:"" help:"Label id."`
	Contacts []string `arg:"" help:"Conversation ids."`
}

func (c *LabelsAssociateCmd) Run(app *App) error {
	return withLabels(app, func(ctx context.Context, s *labels.Store) error {
		return s.AssociateContacts(ctx, c.ID, c.Contacts)
	})
}

type LabelsRemoveCmd struct {
	ID uint64 `arg:"" help:"Label id."`
}

func (c *LabelsRemoveCmd) Run(app *App) error {
	return withLabels(app, func(ctx context.Context, s *labels.Store) error {
		return s.RemoveLabel(ctx, c.ID)
	})
}

type LabelsReapCmd struct {
	Retention time.Duration `help:"Delete labels unused for this long." default:"720h"`
}

func (c *LabelsReapCmd) Run(app *App) error {
	return withLabels(app, func(ctx context.Context, s *labels.Store) error {
		n, err := labels.NewReaper(s, labels.WithRetention(c.Retention), labels.WithReaperLogger(app.logger)).ReapNow(ctx)
		if err != nil {
			return err
		}
		app.logger.Info("label sweep complete", "deleted", n)
		return nil
	})
}

type LabelsImportCmd struct {
	Path string `arg:"" type:"existingfile" help:"Legacy labels JSON file. Removed after a successful import."`
}

func (c *LabelsImportCmd) Run(app *App) error {
	return withLabels(app, func(ctx context.Context, s *labels.Store) error {
		n := s.MigrateFromLegacy(ctx, afero.NewOsFs(), c.Path)
		app.logger.Info("legacy labels imported", "imported", n)
		return nil
	})
}

type LabelsQuotaCmd struct {
	Threshold int64 `help:"Warning threshold in bytes." default:"209715200"`
}

func (c *LabelsQuotaCmd) Run(app *App) error {
	store, closeFn, err := app.mediaStore(objecturl.New(""))
	if err != nil {
		return err
	}
	defer closeFn()

	return withLabels(app, func(ctx context.Context, s *labels.Store) error {
		st, err := s.CheckStorageQuota(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(st); err != nil {
			return err
		}
		if st.Exceeded {
			return fmt.Errorf("%w: %d of %d bytes used", chatcache.ErrQuotaExceeded, st.Usage, st.Threshold)
		}
		return nil
	}, labels.WithQuotaThreshold(c.Threshold), labels.WithUsageReporter("media", store.TotalCachedBytes))
}

// KVCmd groups key-value cache commands.
type KVCmd struct {
	Get    KVGetCmd    `cmd:"" help:"Print a cached value."`
	Set    KVSetCmd    `cmd:"" help:"Store a JSON value."`
	Remove KVRemoveCmd `cmd:"" help:"Delete a key."`
	Clear  KVClearCmd  `cmd:"" help:"Delete every key in a namespace."`
}

// KVTarget selects a cache namespace.
type KVTarget struct {
	Namespace string `arg:"" help:"Cache namespace."`
}

func (t KVTarget) run(app *App, fn func(ctx context.Context, c *kvcache.Cache) error) error {
	db, err := app.openCache()
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(app.ctx, kvcache.New(db, t.Namespace, kvcache.WithLogger(app.logger)))
}

type KVGetCmd struct {
	KVTarget
	Key string `arg:"" help:"Key."`
}

func (c *KVGetCmd) Run(app *App) error {
	return c.run(app, func(ctx context.Context, cache *kvcache.Cache) error {
		var v json.RawMessage
		if !cache.Get(ctx, c.Key, &v) {
			return fmt.Errorf("%s: %w", c.Key, chatcache.ErrNotFound)
		}
		return printJSON(v)
	})
}

type KVSetCmd struct {
	KVTarget
	Key   string        `arg:"" help:"Key."`
	Value string        `arg:"" help:"JSON value."`
	TTL   time.Duration `help:"Time to live." default:"24h"`
}

func (c *KVSetCmd) Run(app *App) error {
	if !json.Valid([]byte(c.Value)) {
		return fmt.Errorf("value is not valid JSON")
	}
	return c.run(app, func(ctx context.Context, cache *kvcache.Cache) error {
		cache.Set(ctx, c.Key, json.RawMessage(c.Value), c.TTL)
		return nil
	})
}

type KVRemoveCmd struct {
	KVTarget
	Key string `arg:"" help:"Key."`
}

func (c *KVRemoveCmd) Run(app *App) error {
	return c.run(app, func(ctx context.Context, cache *kvcache.Cache) error {
		cache.Remove(ctx, c.Key)
		return nil
	})
}

type KVClearCmd struct {
	KVTarget
}

func (c *KVClearCmd) Run(app *App) error {
	return c.run(app, func(ctx context.Context, cache *kvcache.Cache) error {
		cache.ClearAll(ctx)
		return nil
	})
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
