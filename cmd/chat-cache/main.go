// Command chat-cache hosts the chat client's offline media and label caches.
//
// It serves locally materialized media over loopback HTTP, runs the periodic
// maintenance jobs, and exposes the stores for inspection from the shell.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/chat-cache/credentials"
	"github.com/wolfeidau/chat-cache/fetch"
	"github.com/wolfeidau/chat-cache/kvcache"
	"github.com/wolfeidau/chat-cache/labels"
	"github.com/wolfeidau/chat-cache/media"
	"github.com/wolfeidau/chat-cache/notify"
	"github.com/wolfeidau/chat-cache/objecturl"
	"github.com/wolfeidau/chat-cache/store/kvstore"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel    string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"CHAT_CACHE_LOG_LEVEL"`
	LogFormat   string `help:"Log format." enum:"text,json" default:"text" env:"CHAT_CACHE_LOG_FORMAT"`
	DataDir     string `help:"Directory holding cache.db and labels.db." default:"./data" type:"path" env:"CHAT_CACHE_DATA_DIR"`
	Credentials string `help:"Credentials template (JSON, rendered with env/file funcs)." type:"path" env:"CHAT_CACHE_CREDENTIALS"`
}

// CLI is the command line.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Print version and exit."`

	Serve  ServeCmd  `cmd:"" help:"Serve cached media over loopback HTTP and run maintenance jobs."`
	Media  MediaCmd  `cmd:"" help:"Inspect and maintain the media cache."`
	Labels LabelsCmd `cmd:"" help:"Manage conversation labels."`
	KV     KVCmd     `cmd:"" name:"kv" help:"Read and write the expiring key-value cache."`
}

// App carries process-wide state into command Run methods.
type App struct {
	Globals
	ctx    context.Context
	logger *slog.Logger
}

func main() {
	// .env is optional; flags and the real environment take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: loading .env: %v\n", err)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("chat-cache"),
		kong.Description("Offline media and label cache for the chat client."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = kctx.Run(&App{Globals: cli.Globals, ctx: ctx, logger: logger})
	kctx.FatalIfErrorf(err)
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.TimeOnly})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// openCache opens the shared media and key-value database.
func (a *App) openCache() (*kvstore.DB, error) {
	if err := os.MkdirAll(a.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	db := kvstore.New(
		kvstore.WithLogger(a.logger),
		kvstore.WithMigrations(kvcache.Migration, media.Migration),
	)
	if err := db.Open(filepath.Join(a.DataDir, "cache.db")); err != nil {
		return nil, err
	}
	return db, nil
}

// openLabels opens the label store. It never fails; check Supported.
func (a *App) openLabels(opts ...labels.Option) (*labels.Store, error) {
	if err := os.MkdirAll(a.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	opts = append([]labels.Option{
		labels.WithLogger(a.logger),
		labels.WithNotifier(notify.NewLogSink(a.logger)),
	}, opts...)
	return labels.Open(a.ctx, filepath.Join(a.DataDir, "labels.db"), opts...), nil
}

// credentials resolves the credentials template, if configured.
func (a *App) credentials() (*credentials.Credentials, error) {
	if a.Credentials == "" {
		return &credentials.Credentials{}, nil
	}
	creds, err := credentials.NewResolver(credentials.WithLogger(a.logger)).ResolveFile(a.ctx, a.Credentials)
	if err != nil {
		return nil, err
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}
	return creds, nil
}

func (a *App) fetcher(creds *credentials.Credentials) *fetch.HTTPFetcher {
	opts := []fetch.Option{fetch.WithUserAgent("chat-cache/" + version)}
	if b := creds.Backend; b != nil {
		if b.Token != "" {
			opts = append(opts, fetch.WithBearerToken(b.Token, b.Host))
		}
		if b.RateLimit > 0 {
			opts = append(opts, fetch.WithRateLimit(b.RateLimit, b.Burst))
		}
	}
	return fetch.New(opts...)
}

// mediaStore resolves credentials and builds a media store on the cache
// database. The returned close func releases the database.
func (a *App) mediaStore(urls *objecturl.Registry) (*media.Store, func(), error) {
	creds, err := a.credentials()
	if err != nil {
		return nil, nil, err
	}
	return a.mediaStoreWith(creds, urls)
}

func (a *App) mediaStoreWith(creds *credentials.Credentials, urls *objecturl.Registry) (*media.Store, func(), error) {
	db, err := a.openCache()
	if err != nil {
		return nil, nil, err
	}
	store := media.NewStore(db, a.fetcher(creds), urls, media.WithLogger(a.logger))
	return store, func() { _ = db.Close() }, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
