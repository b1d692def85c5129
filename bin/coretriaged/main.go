package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/elwinar/coretriage"
	"github.com/elwinar/coretriage/pkg/conf"
	"github.com/elwinar/coretriage/pkg/sentry"
	"github.com/elwinar/coretriage/pkg/symbolizer"
	"github.com/inconshreveable/log15"
	"github.com/julienschmidt/httprouter"
	"github.com/phyber/negroni-gzip/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni"
)

var (
	Version = "N/C"
	BuiltAt = "N/C"
	Commit  = "N/C"
)

// main is tasked to bootstrap the service and notify of termination signals.
func main() {
	var s service
	s.configure()

	err := s.init()
	if err != nil {
		s.logger.Crit("initializing", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		signals := make(chan os.Signal, 2)
		signal.Notify(signals, os.Interrupt)
		<-signals
		cancel()
	}()

	s.run(ctx)
}

type service struct {
	bind         string
	dir          string
	logLevel     string
	maxSize      datasize.ByteSize
	storeKind    string
	storeDir     string
	s3Bucket     string
	s3Region     string
	s3Endpoint   string
	symbolizer   string
	sentry       sentry.Config
	tags         map[string]string
	printVersion bool

	logger   log15.Logger
	metrics  *metrics
	router   *httprouter.Router
	stack    *negroni.Negroni
	store    Store
	index    Index
	engine   symbolizer.Engine
	reporter reporter
	now      func() time.Time
}

// configure read and validate the configuration of the service and populate
// the appropriate fields.
func (s *service) configure() {
	fs := flag.NewFlagSet("coretriaged-"+Version, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage of coretriaged: coretriaged [options]")
		fs.PrintDefaults()
	}
	fs.StringVar(&s.bind, "bind", "localhost:1106", "address to listen to")
	fs.StringVar(&s.dir, "dir", "/var/lib/coretriaged/", "path of the directory to store the index and temporary files into")
	fs.StringVar(&s.logLevel, "log.level", "info", "minimum level of the logs (debug, info, warn, error, crit)")
	s.maxSize = 64 * datasize.MB
	fs.TextVar(&s.maxSize, "max-size", s.maxSize, "maximum size of a submission")
	fs.StringVar(&s.storeKind, "store", StoreDisk, "kind of object store for coredumps and debug modules (none, disk, s3)")
	fs.StringVar(&s.storeDir, "store.dir", "", "directory of the disk store, defaults to a store directory in the data directory")
	fs.StringVar(&s.s3Bucket, "s3.bucket", "", "bucket of the s3 store")
	fs.StringVar(&s.s3Region, "s3.region", "auto", "region of the s3 store")
	fs.StringVar(&s.s3Endpoint, "s3.endpoint", "", "endpoint of the s3 store, for s3-compatible services")
	fs.StringVar(&s.symbolizer, "symbolizer", symbolizer.DefaultCommand, "command to run to reconstruct the stack of a coredump")
	fs.StringVar(&s.sentry.Host, "sentry.host", "", "host of the sentry backend, reporting is disabled if empty")
	fs.StringVar(&s.sentry.ProjectID, "sentry.project", "", "id of the sentry project")
	fs.StringVar(&s.sentry.APIKey, "sentry.key", "", "public key of the sentry project")
	fs.StringVar(&s.sentry.AccessClientID, "sentry.access-client-id", "", "client id for the access proxy in front of sentry")
	fs.StringVar(&s.sentry.AccessClientSecret, "sentry.access-client-secret", "", "client secret for the access proxy in front of sentry")
	fs.Var(conf.MapFlag(&s.tags), "sentry.tags", "static tags added to every incident (key=value;key=value)")
	fs.BoolVar(&s.printVersion, "version", false, "print the version of coretriaged")
	fs.String("conf", "/etc/coretriage/coretriaged.conf", "configuration file to load")
	conf.Parse(fs, "conf", "CORETRIAGED_")
}

// init does the actual bootstraping of the service, once the configuration is
// read. It encompass any start-up task like ensuring the storage directories
// exist, initializing the index if needed, registering the endpoints, etc.
func (s *service) init() (err error) {
	if s.printVersion {
		fmt.Println("coretriaged", Version, Commit, BuiltAt)
		os.Exit(0)
	}

	// Logger
	s.logger = log15.New()
	lvl, err := log15.LvlFromString(s.logLevel)
	if err != nil {
		s.logger.SetHandler(log15.StreamHandler(os.Stdout, log15.LogfmtFormat()))
		return wrap(err, `parsing log level`)
	}
	s.logger.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stdout, log15.LogfmtFormat())))

	// Data dir
	s.logger.Debug("creating data directory")
	err = os.MkdirAll(s.dir, os.ModeDir|0774)
	if err != nil {
		return wrap(err, `creating data directory`)
	}

	// Object store
	switch s.storeKind {
	case StoreNone:
		s.logger.Warn("no object store configured, coredumps won't be archived and referenced debug information can't be resolved")
	case StoreDisk:
		dir := s.storeDir
		if len(dir) == 0 {
			dir = filepath.Join(s.dir, "store")
		}
		s.logger.Debug("opening disk store", "path", dir)
		store, err := NewDiskStore(dir)
		if err != nil {
			return wrap(err, `opening disk store`)
		}
		s.store = store
	case StoreS3:
		s.logger.Debug("opening s3 store", "bucket", s.s3Bucket, "endpoint", s.s3Endpoint)
		store, err := NewS3Store(s.s3Bucket, s.s3Region, s.s3Endpoint)
		if err != nil {
			return wrap(err, `opening s3 store`)
		}
		s.store = store
	default:
		return fmt.Errorf(`unknown store kind %q`, s.storeKind)
	}

	// Fulltext Index
	indexPath := filepath.Join(s.dir, "index")
	s.logger.Debug("opening index", "path", indexPath)
	s.index, err = NewBleveIndex(indexPath)
	if err != nil {
		return err
	}

	// Symbolizer
	tmp := filepath.Join(s.dir, "tmp")
	err = os.MkdirAll(tmp, os.ModeDir|0774)
	if err != nil {
		return wrap(err, `creating temporary directory`)
	}
	s.engine, err = symbolizer.NewCommand(s.symbolizer, tmp)
	if err != nil {
		return err
	}

	// Reporter
	if s.sentry.Enabled() {
		s.reporter = sentry.New(s.sentry, &http.Client{Timeout: 30 * time.Second})
	} else {
		s.logger.Warn("no sentry host configured, incidents won't be reported")
	}

	// Prometheus metrics
	s.logger.Debug("registering metrics")
	s.metrics = newMetrics(prometheus.DefaultRegisterer)

	s.now = time.Now
	s.routes()
	return nil
}

// routes registers the endpoints and the middleware stack.
func (s *service) routes() {
	s.logger.Debug("registering routes")
	s.router = httprouter.New()

	s.router.GET("/about", s.about)

	s.router.POST("/coredumps", s.triage)
	// Deployed clients post at the root.
	s.router.POST("/", s.triage)

	s.router.HEAD("/debuginfo/:id", s.lookupDebugInfo)
	s.router.PUT("/debuginfo/:id", s.putDebugInfo)

	s.router.GET("/incidents", s.searchIncidents)
	s.router.GET("/incidents/:key", s.getIncident)
	s.router.DELETE("/incidents/:key", s.deleteIncident)

	s.router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	// Middleware stack
	s.stack = negroni.New()
	s.stack.Use(negroni.NewRecovery())
	s.stack.Use(negroni.HandlerFunc(s.logRequest))
	s.stack.Use(gzip.Gzip(gzip.DefaultCompression))
	s.stack.Use(cors.Default())
	s.stack.UseHandler(s.router)
}

// run does the actual running of the service until the context is closed.
func (s *service) run(ctx context.Context) {
	defer s.index.Close()

	server := &http.Server{
		Addr:    s.bind,
		Handler: s.stack,
	}

	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
		defer cancel()
		server.Shutdown(ctx)
	}()

	s.logger.Info("starting", "bind", s.bind, "version", Version)
	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("closing server", "err", err)
	}
	s.logger.Info("stopping")
}

// logRequest is the logging middleware for the HTTP server.
func (s *service) logRequest(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()

	next(rw, r)

	res := rw.(negroni.ResponseWriter)
	s.logger.Info("request",
		"started_at", start,
		"duration", time.Since(start),
		"method", r.Method,
		"path", r.URL.Path,
		"status", res.Status(),
	)
}

// write a payload and a status to the ResponseWriter.
func write(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	_, _ = w.Write(raw)
}

// write an error and a status to the ResponseWriter.
func writeError(w http.ResponseWriter, status int, err error) {
	write(w, status, coretriage.Error{Err: err.Error()})
}

// wrap an error using the provided message and arguments.
func wrap(err error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), err)
}
