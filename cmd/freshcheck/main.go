package main

import (
	"flag"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/freshcheck/freshcheck"
	"github.com/freshcheck/freshcheck/watch"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

var (
	configFilenameFlag string
	portFlag           int
	dirFlag            string
	providerFlag       string
	maxAgeFlag         time.Duration
	verbosityTraceFlag bool
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dirFlag, "dir", ".", "Directory to serve")
	flag.StringVar(&providerFlag, "provider", "memory", "Watch entry provider to use")
	flag.DurationVar(&maxAgeFlag, "max-age", time.Minute, "Freshness lifetime for served files")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
}

func main() {
	flag.Parse()

	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	log.Logger = log.Level(logLevel).Output(zerolog.ConsoleWriter{Out: os.Stdout})

	port := portFlag
	dir := dirFlag
	maxAge := maxAgeFlag
	provider := providerFlag
	var keywords []string

	if configFilenameFlag != "" {
		config, err := getConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
		if config.Port > 0 {
			port = config.Port
		}
		if config.Dir != "" {
			dir = config.Dir
		}
		if config.MaxAge != "" {
			maxAge, err = time.ParseDuration(config.MaxAge)
			if err != nil {
				log.Fatal().Err(err).Msg("Invalid maxAge in config")
			}
		}
		if config.Provider != "" {
			provider = config.Provider
		}
		keywords = config.CacheControl
	}

	watchConfig := watch.Config{
		MaxAge: maxAge,
		Logger: &log.Logger,
	}

	// use configured provider, fail if none matches
	switch provider {
	case "sqlite":
		sqliteProvider, err := watch.NewSQLiteProvider("./watch.db")
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open watch database")
		}
		watchConfig.Provider = sqliteProvider
	case "memory":
		watchConfig.Provider = watch.NewMemProvider()
	default:
		log.Fatal().Msgf("Unsupported watch provider: %s", provider)
	}

	watchCache := watch.NewCache(watchConfig)
	engine := freshcheck.New(freshcheck.Config{
		MaxAge: maxAge,
		Watch:  watchCache,
		Logger: &log.Logger,
	})

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(engine.Middleware)
	r.Get("/*", serveDir(engine, dir, keywords))

	log.Info().Int("port", port).Str("dir", dir).Msg("Starting server")
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), r); err != nil {
		log.Fatal().Err(err).Msg("Server exited")
	}
}

// serveDir serves files from dir with file-watch-backed conditional caching.
// A client holding a current copy gets a 304 without the file being re-read.
func serveDir(engine *freshcheck.Engine, dir string, keywords []string) http.HandlerFunc {
	watchCache := engine.WatchCache()
	return func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.Clean(r.URL.Path))
		cc, ok := freshcheck.GetContext(w)
		if ok {
			cc.CacheControl(freshcheck.DefaultAge, keywords...)
			cc.SetExpires(time.Time{})
			if !watchCache.IsWatching(path) {
				if _, err := watchCache.Watch(path); err != nil {
					http.NotFound(w, r)
					return
				}
			}
			if !engine.Changed(cc, path, false) {
				// finalize will emit the 304
				return
			}
		}
		b, err := os.ReadFile(path)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if contentType := mime.TypeByExtension(filepath.Ext(path)); contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.Write(b)
	}
}
