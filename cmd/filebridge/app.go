package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/afero"

	"github.com/TheMichaelB/filebridge/internal/backend"
	"github.com/TheMichaelB/filebridge/internal/backend/dropbox"
	"github.com/TheMichaelB/filebridge/internal/backend/ftp"
	"github.com/TheMichaelB/filebridge/internal/backend/local"
	"github.com/TheMichaelB/filebridge/internal/backend/s3"
	"github.com/TheMichaelB/filebridge/internal/backend/sftp"
	"github.com/TheMichaelB/filebridge/internal/backend/smb"
	"github.com/TheMichaelB/filebridge/internal/cache"
	"github.com/TheMichaelB/filebridge/internal/creds"
	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/models"
	"github.com/TheMichaelB/filebridge/internal/offline"
	"github.com/TheMichaelB/filebridge/internal/orchestrator"
	"github.com/TheMichaelB/filebridge/internal/state"
	"github.com/TheMichaelB/filebridge/internal/transport"
)

// passphraseEnv holds the passphrase that seals the credential file.
const passphraseEnv = "FILEBRIDGE_CREDS_PASSPHRASE"

const reachTimeout = 3 * time.Second

// app holds the wired components for one command invocation.
type app struct {
	fs        afero.Fs
	store     *state.SQLiteStore
	creds     creds.Store
	resources *creds.FileRepository
	cache     *cache.Cache
	bus       *events.Bus
	orch      *orchestrator.Orchestrator
}

var current *app

// getApp wires the orchestrator on first use.
func getApp(ctx context.Context) (*app, error) {
	if current != nil {
		return current, nil
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	a := &app{fs: afero.NewOsFs()}

	store, err := state.NewSQLiteStore(cfg.Storage.StateDB, logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	a.store = store

	if a.creds, err = openCredentialStore(ctx, a.fs); err != nil {
		_ = store.Close()
		return nil, err
	}
	a.resources = creds.NewFileRepository(cfg.Storage.ResourcesFile, a.fs)

	a.cache, err = cache.New(cache.Config{Dir: cfg.Storage.CacheDir, TTL: cfg.Cache.TTL}, a.fs, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	thumbs, err := cache.NewLRU(filepath.Join(cfg.Storage.CacheDir, "thumbs"), cfg.Cache.ThumbnailMaxBytes, a.fs, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a.bus = events.NewBus(logger)

	var conn offline.Connectivity = offline.NewSwitch(true)
	if cfg.Offline.CheckAddress != "" {
		conn = offline.NewReachability(cfg.Offline.CheckAddress, reachTimeout, logger)
	}

	a.orch, err = orchestrator.New(orchestrator.Deps{
		Config:       cfg,
		Registry:     newRegistry(a.fs, a.creds),
		Resources:    a.resources,
		Credentials:  a.creds,
		Store:        store,
		Cache:        a.cache,
		Thumbnails:   thumbs,
		Bus:          a.bus,
		Connectivity: conn,
		Fs:           a.fs,
		Logger:       logger,
	})
	if err != nil {
		a.bus.Close()
		_ = store.Close()
		return nil, err
	}

	current = a
	return a, nil
}

func newRegistry(fs afero.Fs, credStore creds.Store) *backend.Registry {
	httpClient := transport.NewHTTPClient(cfg.TimeoutsFor("cloud"), "filebridge/"+version, logger)

	return backend.NewRegistry(
		local.New(logger),
		smb.New(cfg.TimeoutsFor("smb"), logger),
		sftp.New(cfg.TimeoutsFor("sftp"), logger),
		ftp.New(cfg.TimeoutsFor("ftp"), logger),
		s3.New(httpClient, fs, cfg.Storage.TempDir, logger),
		dropbox.New(httpClient, creds.TokenSaver(credStore), logger),
	)
}

// openCredentialStore returns the DynamoDB store when a table is
// configured and the local file store otherwise.
func openCredentialStore(ctx context.Context, fs afero.Fs) (creds.Store, error) {
	if cfg.Storage.CredsTable == "" {
		store := creds.NewFileStore(cfg.Storage.CredsFile, fs, logger)
		if p := os.Getenv(passphraseEnv); p != "" {
			store.SetPassphrase(p)
		}
		return store, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Storage.CredsRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Storage.CredsRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return creds.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.Storage.CredsTable, logger)
}

func closeApp() {
	if current == nil {
		return
	}
	if err := current.orch.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close orchestrator")
	}
	current.bus.Close()
	if err := current.store.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close state store")
	}
	current = nil
}

// target is a parsed <resource>:<path> argument.
type target struct {
	res  *models.Resource
	path string
}

func (t target) String() string {
	return t.res.ID + ":" + t.path
}

func parseTarget(a *app, arg string) (target, error) {
	id, p, ok := strings.Cut(arg, ":")
	if !ok || id == "" {
		return target{}, fmt.Errorf("%q is not of the form <resource>:<path>", arg)
	}
	res, err := a.resources.Get(id)
	if err != nil {
		return target{}, err
	}
	return target{res: res, path: models.CleanPath(p)}, nil
}
