package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pdok/hoogte/config"
	"github.com/pdok/hoogte/enrich"
	"github.com/pdok/hoogte/geotiff"
	"github.com/pdok/hoogte/gridset"
	"github.com/pdok/hoogte/metrics"
	"github.com/pdok/hoogte/processing"
	"github.com/pdok/hoogte/tilecache"
	"github.com/pdok/hoogte/tileindex"

	"github.com/iancoleman/strcase"
	"github.com/pdok/hoogte/processing/gpkg"
	"github.com/urfave/cli/v2"
)

const CONFIG string = `config`
const SOURCE string = `sourceGpkg`
const TARGET string = `targetGpkg`
const OVERWRITE string = `overwrite`
const APIKEY string = `apiKey`
const GRIDSET string = `gridSet`
const STORAGEROOT string = `storageRoot`
const OVERRIDE string = `override`
const HEIGHTTAGS string = `heightTags`
const HEIGHTTAG string = `heightTag`
const WORKERS string = `workers`
const MAXATTEMPTS string = `maxAttempts`
const MAXFAILEDCYCLES string = `maxFailedCycles`
const POLLINTERVAL string = `pollInterval`
const SHUTDOWNTIMEOUT string = `shutdownTimeout`
const FEEDURL string = `feedUrl`
const DOWNLOADURL string = `downloadUrl`
const REQUESTSPERSECOND string = `requestsPerSecond`
const REDISADDRESS string = `redisAddress`
const REDISPASSWORD string = `redisPassword`
const REDISTTL string = `redisTtl`
const METRICSADDRESS string = `metricsAddress`
const PAGESIZE string = `pagesize`

const wgs84 = 4326

//nolint:funlen
func main() {
	// a missing .env is fine, flags and the environment still apply
	_ = godotenv.Load(".env")

	app := cli.NewApp()
	app.Name = "hoogte"
	app.Usage = "A Golang application adding terrain heights to the points of a GeoPackage"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    CONFIG,
			Aliases: []string{"c"},
			Usage:   "TOML config file, flags and environment variables take precedence over it",
			EnvVars: []string{strcase.ToScreamingSnake(CONFIG)},
		},
		&cli.StringFlag{
			Name:     SOURCE,
			Aliases:  []string{"s"},
			Usage:    "Source GPKG, in WGS84",
			Required: true,
			EnvVars:  []string{strcase.ToScreamingSnake(SOURCE)},
		},
		&cli.StringFlag{
			Name:     TARGET,
			Aliases:  []string{"t"},
			Usage:    "Target GPKG",
			Required: true,
			EnvVars:  []string{strcase.ToScreamingSnake(TARGET)},
		},
		&cli.BoolFlag{
			Name:     OVERWRITE,
			Aliases:  []string{"o"},
			Usage:    "Overwrite a target GPKG if it exists",
			Required: false,
			EnvVars:  []string{strcase.ToScreamingSnake(OVERWRITE)},
		},
		&cli.StringFlag{
			Name:    APIKEY,
			Aliases: []string{"k"},
			Usage:   "API key of the elevation model file service",
			EnvVars: []string{strcase.ToScreamingSnake(APIKEY)},
		},
		&cli.StringFlag{
			Name:    GRIDSET,
			Aliases: []string{"g"},
			Usage:   "Grid set definition (JSON), defaults to the built-in " + gridset.DefaultID,
			EnvVars: []string{strcase.ToScreamingSnake(GRIDSET)},
		},
		&cli.StringFlag{
			Name:    STORAGEROOT,
			Usage:   "Directory the downloaded tiles are stored in, defaults to the temp dir",
			EnvVars: []string{strcase.ToScreamingSnake(STORAGEROOT)},
		},
		&cli.BoolFlag{
			Name:    OVERRIDE,
			Usage:   "Replace the heights already present in the height tags (default true)",
			EnvVars: []string{strcase.ToScreamingSnake(OVERRIDE)},
		},
		&cli.StringSliceFlag{
			Name:    HEIGHTTAGS,
			Usage:   "Tags, case-insensitive, that hold a height already. E.g.: ele,height",
			EnvVars: []string{strcase.ToScreamingSnake(HEIGHTTAGS)},
		},
		&cli.StringFlag{
			Name:    HEIGHTTAG,
			Usage:   "Tag the height is written to (default z)",
			EnvVars: []string{strcase.ToScreamingSnake(HEIGHTTAG)},
		},
		&cli.IntFlag{
			Name:    WORKERS,
			Aliases: []string{"w"},
			Usage:   "Concurrent tile fetches (default number of CPUs)",
			EnvVars: []string{strcase.ToScreamingSnake(WORKERS)},
		},
		&cli.IntFlag{
			Name:    MAXATTEMPTS,
			Usage:   "Attempts to fetch a tile before giving up until it is requested again (default 5)",
			EnvVars: []string{strcase.ToScreamingSnake(MAXATTEMPTS)},
		},
		&cli.IntFlag{
			Name:    MAXFAILEDCYCLES,
			Usage:   "Failed fetch cycles after which a tile is treated as not available, 0 never gives up",
			EnvVars: []string{strcase.ToScreamingSnake(MAXFAILEDCYCLES)},
		},
		&cli.DurationFlag{
			Name:    POLLINTERVAL,
			Usage:   "Interval of the progress checks while waiting for tile fetches at the end (default 10s)",
			EnvVars: []string{strcase.ToScreamingSnake(POLLINTERVAL)},
		},
		&cli.DurationFlag{
			Name:    SHUTDOWNTIMEOUT,
			Usage:   "Time to wait for tile fetches at the end before giving up (default 30m)",
			EnvVars: []string{strcase.ToScreamingSnake(SHUTDOWNTIMEOUT)},
		},
		&cli.StringFlag{
			Name:    FEEDURL,
			Usage:   "Atom feed listing the elevation model tiles",
			EnvVars: []string{strcase.ToScreamingSnake(FEEDURL)},
		},
		&cli.StringFlag{
			Name:    DOWNLOADURL,
			Usage:   "Base URL the tiles are downloaded from",
			EnvVars: []string{strcase.ToScreamingSnake(DOWNLOADURL)},
		},
		&cli.Float64Flag{
			Name:    REQUESTSPERSECOND,
			Usage:   "Maximum requests per second to the file service, 0 is unlimited",
			EnvVars: []string{strcase.ToScreamingSnake(REQUESTSPERSECOND)},
		},
		&cli.StringFlag{
			Name:    REDISADDRESS,
			Usage:   "Redis (host:port) to share the tile index with other runs",
			EnvVars: []string{strcase.ToScreamingSnake(REDISADDRESS)},
		},
		&cli.StringFlag{
			Name:    REDISPASSWORD,
			Usage:   "Redis password",
			EnvVars: []string{strcase.ToScreamingSnake(REDISPASSWORD)},
		},
		&cli.DurationFlag{
			Name:    REDISTTL,
			Usage:   "Time the shared tile index is kept, 0 keeps it",
			EnvVars: []string{strcase.ToScreamingSnake(REDISTTL)},
		},
		&cli.StringFlag{
			Name:    METRICSADDRESS,
			Usage:   "Address (host:port) to serve Prometheus metrics on",
			EnvVars: []string{strcase.ToScreamingSnake(METRICSADDRESS)},
		},
		&cli.IntFlag{
			Name:    PAGESIZE,
			Aliases: []string{"p"},
			Usage:   "Page Size, how many features are written per transaction to the target GPKG (default 1000)",
			EnvVars: []string{strcase.ToScreamingSnake(PAGESIZE)},
		},
	}

	app.Action = func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		gs, err := gridset.Load(cfg.GridSet)
		if err != nil {
			return err
		}

		m := metrics.New(prometheus.DefaultRegisterer)
		if cfg.MetricsAddress != "" {
			serveMetrics(cfg.MetricsAddress)
		}

		var indexCache tileindex.Cache
		if client := tileindex.OpenRedis(cfg.Redis.Address, cfg.Redis.Password); client != nil {
			defer client.Close()
			indexCache = tileindex.NewRedisCache(client, tileindex.DefaultCacheKey, time.Duration(cfg.Redis.TTL))
		}
		index := tileindex.New(tileindex.Options{
			FeedURL:           cfg.FeedURL,
			DownloadURL:       cfg.DownloadURL,
			APIKey:            cfg.APIKey,
			StorageRoot:       cfg.StorageRoot,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Timeout:           time.Duration(cfg.RequestTimeout),
		}, indexCache, m)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err = index.Build(ctx); err != nil {
			return fmt.Errorf("building the tile index: %w", err)
		}

		_, err = os.Stat(c.String(SOURCE))
		if os.IsNotExist(err) {
			log.Fatalf("error opening source GeoPackage: %s", err)
		}

		source := gpkg.SourceGeopackage{}
		source.Init(c.String(SOURCE))
		defer source.Close()

		target := initGPKGTarget(c.String(TARGET), c.Bool(OVERWRITE), cfg.PageSize)
		defer target.Close()

		tables := source.GetTableInfo()
		targetTables := make([]gpkg.Table, len(tables))
		for i, table := range tables {
			targetTables[i] = table.WithColumn(cfg.HeightTag, "TEXT")
		}
		err = target.CreateTables(targetTables)
		if err != nil {
			log.Fatalf("error initialization the target GeoPackage: %s", err)
		}

		policy := enrich.NewPolicy(cfg.Override, cfg.HeightTags, cfg.HeightTag)
		cacheOpts := tilecache.Options{
			Workers:         cfg.Workers,
			MaxAttempts:     cfg.MaxAttempts,
			MaxFailedCycles: cfg.MaxFailedCycles,
			PollInterval:    time.Duration(cfg.PollInterval),
			ShutdownTimeout: time.Duration(cfg.ShutdownTimeout),
		}

		log.Println("=== start enriching ===")

		var summaries []tableSummary
		// Process the tables sequentially
		for i, table := range tables {
			if table.SRID() != wgs84 {
				log.Printf("  skipping %s, its coordinates are not in WGS84 (srs %d)", table.Name, table.SRID())
				continue
			}
			log.Printf("  enriching %s", table.Name)
			source.Table = table
			target.Table = targetTables[i]

			before := snapshot(m)
			written := target.Written
			start := time.Now()
			dispatcher := tilecache.New(ctx, cacheOpts, index, decodeTile, m)
			err = processing.Run(source, target, func(sink processing.Sink) processing.Stage {
				return enrich.New(policy, &gs, dispatcher, sink, m)
			})
			if err != nil {
				return fmt.Errorf("enriching %s: %w", table.Name, err)
			}
			summaries = append(summaries, summarize(table.Name, target.Written-written, time.Since(start), before, snapshot(m)))
			log.Printf("  finished %s", table.Name)
		}

		log.Println("=== done enriching ===")
		fmt.Println(renderSummary(summaries))
		return nil
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the config file, when given, and applies the flags and environment variables that are set.
//
//nolint:cyclop
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String(CONFIG))
	if err != nil {
		return cfg, err
	}
	if c.IsSet(APIKEY) {
		cfg.APIKey = c.String(APIKEY)
	}
	if c.IsSet(GRIDSET) {
		cfg.GridSet = c.String(GRIDSET)
	}
	if c.IsSet(STORAGEROOT) {
		cfg.StorageRoot = c.String(STORAGEROOT)
	}
	if c.IsSet(OVERRIDE) {
		cfg.Override = c.Bool(OVERRIDE)
	}
	if c.IsSet(HEIGHTTAGS) {
		cfg.HeightTags = c.StringSlice(HEIGHTTAGS)
	}
	if c.IsSet(HEIGHTTAG) {
		cfg.HeightTag = c.String(HEIGHTTAG)
	}
	if c.IsSet(WORKERS) {
		cfg.Workers = c.Int(WORKERS)
	}
	if c.IsSet(MAXATTEMPTS) {
		cfg.MaxAttempts = c.Int(MAXATTEMPTS)
	}
	if c.IsSet(MAXFAILEDCYCLES) {
		cfg.MaxFailedCycles = c.Int(MAXFAILEDCYCLES)
	}
	if c.IsSet(POLLINTERVAL) {
		cfg.PollInterval = config.Duration(c.Duration(POLLINTERVAL))
	}
	if c.IsSet(SHUTDOWNTIMEOUT) {
		cfg.ShutdownTimeout = config.Duration(c.Duration(SHUTDOWNTIMEOUT))
	}
	if c.IsSet(FEEDURL) {
		cfg.FeedURL = c.String(FEEDURL)
	}
	if c.IsSet(DOWNLOADURL) {
		cfg.DownloadURL = c.String(DOWNLOADURL)
	}
	if c.IsSet(REQUESTSPERSECOND) {
		cfg.RequestsPerSecond = c.Float64(REQUESTSPERSECOND)
	}
	if c.IsSet(REDISADDRESS) {
		cfg.Redis.Address = c.String(REDISADDRESS)
	}
	if c.IsSet(REDISPASSWORD) {
		cfg.Redis.Password = c.String(REDISPASSWORD)
	}
	if c.IsSet(REDISTTL) {
		cfg.Redis.TTL = config.Duration(c.Duration(REDISTTL))
	}
	if c.IsSet(METRICSADDRESS) {
		cfg.MetricsAddress = c.String(METRICSADDRESS)
	}
	if c.IsSet(PAGESIZE) {
		cfg.PageSize = c.Int(PAGESIZE)
	}
	return cfg, cfg.Validate()
}

func decodeTile(path string) (tilecache.Raster, error) {
	r, err := geotiff.Load(path)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		log.Printf("serving metrics on %s/metrics", addr)
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server stopped: %v", err)
		}
	}()
}

func initGPKGTarget(targetPath string, overwrite bool, pagesize int) *gpkg.TargetGeopackage {
	if overwrite {
		err := os.Remove(targetPath)
		var pathError *os.PathError
		if err != nil {
			if !(errors.As(err, &pathError) && errors.Is(pathError.Err, syscall.ENOENT)) {
				log.Fatalf("could not remove target file: %e", err)
			}
		}
	}
	target := gpkg.TargetGeopackage{}
	target.Init(targetPath, pagesize)
	return &target
}
