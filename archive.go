package main

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bryan-buckman/readerarchive/internal/api"
	"github.com/bryan-buckman/readerarchive/internal/archive"
	"github.com/bryan-buckman/readerarchive/internal/archiver"
	"github.com/bryan-buckman/readerarchive/internal/config"
	"github.com/bryan-buckman/readerarchive/internal/opml"
)

// archiveOptions collects the archive command line.
type archiveOptions struct {
	OutputDirectory   string
	Account           string
	Password          string
	OAuthRefreshToken string
	OAuthClientID     string
	OAuthClientSecret string
	APIBase           string
	ClientLoginURL    string
	OAuthTokenURL     string
	StreamIDs         []string
	OPMLFile          string
	MaxItemsPerStream int
	ItemRefsChunk     int
	ItemBodiesChunk   int
	CommentsChunk     int
	Parallelism       int
	HTTPRetryCount    int
	CacheDirectory    string
	AdditionalRefs    string
	ItemBodyFormat    string
	SkipComments      bool
	FailOnErrors      bool
}

func newArchiveCmd(cfg config.Config) *cobra.Command {
	opts := archiveOptions{
		OutputDirectory:   cfg.OutputDirectory,
		Account:           cfg.Account,
		Password:          cfg.Password,
		OAuthRefreshToken: cfg.OAuthRefreshToken,
		OAuthClientID:     cfg.OAuthClientID,
		OAuthClientSecret: cfg.OAuthClientSecret,
		APIBase:           cfg.APIBase,
		Parallelism:       cfg.Parallelism,
		HTTPRetryCount:    cfg.HTTPRetryCount,
		CacheDirectory:    cfg.CacheDirectory,
		ItemBodyFormat:    api.FormatAtom,
	}

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Download an account (or selected streams) into an archive directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runArchive(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.OutputDirectory, "output-directory", "o", opts.OutputDirectory, "Directory to write the archive to")
	f.StringVar(&opts.Account, "account", opts.Account, "Google account to log in as (ClientLogin)")
	f.StringVar(&opts.Password, "password", opts.Password, "Password of the account (ClientLogin)")
	f.StringVar(&opts.OAuthRefreshToken, "oauth-refresh-token", opts.OAuthRefreshToken, "OAuth refresh token; takes precedence over --account")
	f.StringVar(&opts.OAuthClientID, "oauth-client-id", opts.OAuthClientID, "OAuth client ID")
	f.StringVar(&opts.OAuthClientSecret, "oauth-client-secret", opts.OAuthClientSecret, "OAuth client secret")
	f.StringVar(&opts.APIBase, "api-base", opts.APIBase, "Root URL of the Reader API")
	f.StringVar(&opts.ClientLoginURL, "client-login-url", api.DefaultClientLoginURL, "ClientLogin endpoint")
	f.StringVar(&opts.OAuthTokenURL, "oauth-token-url", api.DefaultOAuthTokenURL, "OAuth token endpoint")
	f.StringArrayVar(&opts.StreamIDs, "stream", nil, "Only archive this stream (repeatable)")
	f.StringVar(&opts.OPMLFile, "opml", "", "Only archive the feeds listed in this OPML file")
	f.IntVar(&opts.MaxItemsPerStream, "max-items-per-stream", 0, "Maximum number of item refs per stream (0 for no limit)")
	f.IntVar(&opts.ItemRefsChunk, "item-refs-chunk-size", archiver.DefaultItemRefsChunkSize, "Item refs per stream request")
	f.IntVar(&opts.ItemBodiesChunk, "item-bodies-chunk-size", archiver.DefaultItemBodiesChunkSize, "Item bodies per contents request")
	f.IntVar(&opts.CommentsChunk, "comments-chunk-size", archiver.DefaultCommentsChunkSize, "Comments per request")
	f.IntVar(&opts.Parallelism, "parallelism", opts.Parallelism, "Number of requests to make in parallel")
	f.IntVar(&opts.HTTPRetryCount, "http-retry-count", opts.HTTPRetryCount, "Retries for requests that fail at the transport level")
	f.StringVar(&opts.CacheDirectory, "cache-directory", opts.CacheDirectory, "Cache raw API responses here and reuse them on later runs")
	f.StringVar(&opts.AdditionalRefs, "additional-item-refs-file-path", "", "JSON file of extra item refs to merge into streams")
	f.StringVar(&opts.ItemBodyFormat, "item-body-format", opts.ItemBodyFormat, "Item body format: atom or json")
	f.BoolVar(&opts.SkipComments, "skip-comments", false, "Do not archive comments")
	f.BoolVar(&opts.FailOnErrors, "fail-on-errors", false, "Exit with an error status if any request failed")

	return cmd
}

func (o archiveOptions) validate() error {
	var errs []error
	for name, v := range map[string]int{
		"max-items-per-stream":   o.MaxItemsPerStream,
		"item-refs-chunk-size":   o.ItemRefsChunk,
		"item-bodies-chunk-size": o.ItemBodiesChunk,
		"comments-chunk-size":    o.CommentsChunk,
		"parallelism":            o.Parallelism,
		"http-retry-count":       o.HTTPRetryCount,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("--%s must not be negative", name))
		}
	}
	if o.OutputDirectory == "" {
		errs = append(errs, errors.New("--output-directory is required"))
	}
	if _, err := archive.CodecForFormat(o.ItemBodyFormat); err != nil {
		errs = append(errs, err)
	}
	if o.OAuthRefreshToken == "" && (o.Account == "") != (o.Password == "") {
		errs = append(errs, errors.New("--account and --password must be given together"))
	}
	return errors.Join(errs...)
}

// streamIDs returns the explicit stream selection, including OPML feeds.
func (o archiveOptions) streamIDs() ([]string, error) {
	ids := append([]string{}, o.StreamIDs...)
	if o.OPMLFile == "" {
		return ids, nil
	}
	f, err := os.Open(o.OPMLFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	entries, err := opml.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.OPMLFile, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s lists no feeds", o.OPMLFile)
	}
	return append(ids, opml.StreamIDs(entries)...), nil
}

// cacheScope names the response cache subdirectory for a set of
// credentials, so cached responses are never replayed for another account.
func (o archiveOptions) cacheScope(authenticated bool) string {
	identity := func(kind string, parts ...string) string {
		h := sha1.Sum([]byte(strings.Join(parts, "\x00")))
		return kind + "-" + hex.EncodeToString(h[:])[:12]
	}
	switch {
	case !authenticated:
		return "anonymous"
	case o.OAuthRefreshToken != "":
		return identity("oauth", o.OAuthClientID, o.OAuthRefreshToken)
	default:
		return identity("account", strings.ToLower(o.Account))
	}
}

// fetchers builds the request pipeline shared by every worker. Each layer
// wraps the previous one: transport, throttling, retries, then the cache.
func (o archiveOptions) fetchers(ctx context.Context) (authenticated, unauthenticated api.Fetcher, err error) {
	wrap := func(f api.Fetcher, scope string) (api.Fetcher, error) {
		f = api.NewThrottledFetcher(f, o.Parallelism, api.DefaultDelayBetweenHostRequests)
		f = api.NewRetryingFetcher(f, o.HTTPRetryCount)
		if o.CacheDirectory == "" {
			return f, nil
		}
		cache, err := api.NewResponseCache(filepath.Join(o.CacheDirectory, scope))
		if err != nil {
			return nil, err
		}
		return &api.CachingFetcher{Inner: f, Cache: cache}, nil
	}

	if unauthenticated, err = wrap(api.NewHTTPFetcher(nil, nil), o.cacheScope(false)); err != nil {
		return nil, nil, err
	}
	switch {
	case o.OAuthRefreshToken != "":
		log.Info("Authenticating with OAuth")
		authenticated, err = wrap(api.NewHTTPFetcher(api.NewOAuthClient(ctx, api.OAuthConfig{
			ClientID:     o.OAuthClientID,
			ClientSecret: o.OAuthClientSecret,
			RefreshToken: o.OAuthRefreshToken,
			TokenURL:     o.OAuthTokenURL,
		}), nil), o.cacheScope(true))
	case o.Account != "":
		log.WithField("account", o.Account).Info("Authenticating with ClientLogin")
		authenticated, err = wrap(api.NewHTTPFetcher(nil, &api.ClientLoginAuthorizer{
			LoginURL: o.ClientLoginURL,
			Account:  o.Account,
			Password: o.Password,
		}), o.cacheScope(true))
	default:
		log.Warn("No credentials given; only public streams can be archived")
	}
	if err != nil {
		return nil, nil, err
	}
	return authenticated, unauthenticated, nil
}

func runArchive(ctx context.Context, o archiveOptions) error {
	if err := o.validate(); err != nil {
		return err
	}
	streamIDs, err := o.streamIDs()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(o.OutputDirectory, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	authenticated, unauthenticated, err := o.fetchers(ctx)
	if err != nil {
		return err
	}

	run := archiver.NewRunContext()
	newClient := func() archiver.API {
		return api.NewClient(api.Options{
			BaseURL:         o.APIBase,
			Authenticated:   authenticated,
			Unauthenticated: unauthenticated,
			Missing:         run,
		})
	}
	cfg := archiver.Config{
		StreamIDs:              streamIDs,
		MaxItemsPerStream:      o.MaxItemsPerStream,
		ItemRefsChunkSize:      o.ItemRefsChunk,
		ItemBodiesChunkSize:    o.ItemBodiesChunk,
		CommentsChunkSize:      o.CommentsChunk,
		Parallelism:            o.Parallelism,
		AdditionalItemRefsPath: o.AdditionalRefs,
		IncludeComments:        !o.SkipComments,
		Authenticated:          authenticated != nil,
		BodyFormat:             o.ItemBodyFormat,
	}

	summary, err := archiver.New(cfg, newClient, archive.Layout{Root: o.OutputDirectory}, run).Run(ctx)
	if err != nil {
		return err
	}
	if o.FailOnErrors && summary.HasFailures() {
		return fmt.Errorf("archive %s is incomplete: some requests failed", o.OutputDirectory)
	}
	return nil
}
