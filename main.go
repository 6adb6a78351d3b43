package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msgrelay/msgrelay/api"
	"github.com/msgrelay/msgrelay/auth"
	"github.com/msgrelay/msgrelay/journal"
	"github.com/msgrelay/msgrelay/relay"
	"github.com/msgrelay/msgrelay/room"
	"github.com/msgrelay/msgrelay/store"
	"github.com/msgrelay/msgrelay/ws"
)

const (
	journalMaxBytes = 64 * 1024
	shutdownTimeout = 10 * time.Second
)

var (
	flagAddr    = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile = flag.String("pid-file", "msgrelay.pid", "pid file")
	flagEnvFile = flag.String("env-file", ".env", "optional dotenv file, provides MYSQL_DSN, DATABASE_URL, JWT_SECRET, KAFKA_BROKERS")

	flagStore       = flag.String("store", "mysql", "message store: mysql, postgres or bolt")
	flagMysqlDsn    = flag.String("mysql-dsn", "", "mysql server dsn, default $MYSQL_DSN")
	flagPostgresDsn = flag.String("postgres-dsn", "", "postgres dsn, default $DATABASE_URL")
	flagBoltPath    = flag.String("bolt-path", "msgrelay.db", "bbolt database file")

	flagAuth      = flag.String("auth", "cookie", "auth client: cookie (development only) or jwt")
	flagJwtSecret = flag.String("jwt-secret", "", "HS256 secret for --auth=jwt, default $JWT_SECRET")
	flagWsAuth    = flag.Bool("ws-auth", false, "authenticate websocket upgrades")

	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers, journal disabled when empty, default $KAFKA_BROKERS")
	flagKafkaTopic   = flag.String("kafka-topic", "msgrelay-messages", "kafka journal topic")

	flagEnableSocketForward = flag.Bool("enable-socket-forward", false, "relay `message:private` from sockets without persistence")
	flagEnableDebug         = flag.Bool("enable-debug", false, "serve /socket/debug to admins")
	flagPageSizeLimit       = flag.Int("page-size-limit", store.MaxPageSize, "max page size of list endpoints")
	flagSendBuffer          = flag.Int("send-buffer", 64, "per connection frame buffer, frames are dropped when full")
	flagMaxMsgSize          = flag.Int64("max-msg-size", 8192, "max websocket frame size to read")
	flagAllowedOrigins      = flag.String("allowed-origins", "", "comma separated CORS origins, any origin when empty")
	flagTrustProxy          = flag.Bool("trust-proxy", false, "take client ip from X-Real-IP / X-Forwarded-For, only behind a proxy that sets them")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if err := loadEnv(*flagEnvFile); err != nil {
		return errorf("--env-file: %v", err)
	}

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messageStore, err := openStore(ctx)
	if err != nil {
		return errorf("open %s store: %v", *flagStore, err)
	}
	defer messageStore.Close()

	var j journal.Journal = journal.Nop{}
	if *flagKafkaBrokers != "" {
		j = journal.NewKafkaJournal(strings.Split(*flagKafkaBrokers, ","), *flagKafkaTopic, journalMaxBytes)
	}
	defer j.Close()

	authClient := newAuthClient()

	dir := room.NewDirectory()
	service := relay.NewService(messageStore, dir, j)

	var wsAuth auth.Client
	if *flagWsAuth {
		wsAuth = authClient
	}
	hub := ws.NewHub(&ws.Conf{
		EnableForward:  *flagEnableSocketForward,
		SendBuffer:     *flagSendBuffer,
		MaxMessageSize: *flagMaxMsgSize,
		TrustProxy:     *flagTrustProxy,
	}, room.NewRegistry(dir), service, wsAuth)

	apiConf := &api.Conf{
		EnableDebug:   *flagEnableDebug,
		PageSizeLimit: *flagPageSizeLimit,
		TrustProxy:    *flagTrustProxy,
	}
	if *flagAllowedOrigins != "" {
		apiConf.AllowedOrigins = strings.Split(*flagAllowedOrigins, ",")
	}
	router := api.NewRouter(api.NewHandler(apiConf, service, dir, hub.Count), authClient)

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)
	mux.Handle("/", router)

	server := &http.Server{
		Addr:              *flagAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	serveErr := make(chan error, 1)
	go func() {
		glog.Infof("listening on %s", *flagAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	glog.Infof("msgrelay server is starting, store: %s, auth: %s", *flagStore, *flagAuth)
	glog.Infof("`kill -USR1 %d` to dup goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	var prof *Profiler
	defer func() {
		if prof != nil {
			prof.Stop()
		}
	}()

	for {
		select {
		case err, ok := <-serveErr:
			if ok {
				cancel()
				<-hubDone
				return errorf("http server error: %v", err)
			}
			serveErr = nil
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				dumpGoroutines(pprofDir)
			case syscall.SIGUSR2:
				if prof == nil {
					prof = StartProfiler(pprofDir)
				} else {
					prof.Stop()
					prof = nil
				}
			case syscall.SIGTERM, syscall.SIGINT:
				glog.Infof("received signal `%s` stopping", sig.String())
				shutdown(server, cancel, hubDone)
				glog.Info("msgrelay server exited")
				return 0
			}
		}
	}
}

// shutdown stops accepting requests, then closes live connections.
// Hijacked websocket connections are not tracked by http.Server.
func shutdown(server *http.Server, cancel context.CancelFunc, hubDone <-chan struct{}) {
	ctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := server.Shutdown(ctx); err != nil {
		glog.Errorf("http server shutdown error: %v", err)
	}
	cancel()
	<-hubDone
}

func openStore(ctx context.Context) (store.IMessageStore, error) {
	switch *flagStore {
	case "mysql":
		db, err := sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return nil, fmt.Errorf("sql.Open error: %v", err)
		}
		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(10)

		s := store.NewMySQLStore(db)
		if err := s.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := store.NewPostgresStore(ctx, *flagPostgresDsn)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case "bolt":
		s, err := store.NewBoltStore(*flagBoltPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store %q", *flagStore)
}

func newAuthClient() auth.Client {
	if *flagAuth == "jwt" {
		return auth.NewJWTClient(*flagJwtSecret)
	}
	glog.Warningf("--auth=cookie trusts the x-kind and x-id cookies, do not use in production")
	return &auth.MockClient{}
}

// loadEnv loads name into the environment when it exists, then fills empty
// flags from it. Variables already set win over the file.
func loadEnv(name string) error {
	if name != "" {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	for flagValue, key := range map[*string]string{
		flagMysqlDsn:     "MYSQL_DSN",
		flagPostgresDsn:  "DATABASE_URL",
		flagJwtSecret:    "JWT_SECRET",
		flagKafkaBrokers: "KAFKA_BROKERS",
	} {
		if *flagValue == "" {
			*flagValue = os.Getenv(key)
		}
	}
	return nil
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}

	switch *flagStore {
	case "mysql":
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn or MYSQL_DSN is required")
		}
	case "postgres":
		if *flagPostgresDsn == "" {
			return errorf("--postgres-dsn or DATABASE_URL is required")
		}
	case "bolt":
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required")
		}
	default:
		return errorf("invalid --store `%s`, expect mysql, postgres or bolt", *flagStore)
	}

	switch *flagAuth {
	case "cookie":
	case "jwt":
		if len(*flagJwtSecret) < 16 {
			return errorf("--jwt-secret or JWT_SECRET is required, at least 16 bytes")
		}
	default:
		return errorf("invalid --auth `%s`, expect cookie or jwt", *flagAuth)
	}

	if *flagKafkaBrokers != "" && *flagKafkaTopic == "" {
		return errorf("--kafka-topic is required with --kafka-brokers")
	}

	if *flagPageSizeLimit < 1 || *flagPageSizeLimit > store.MaxPageSize {
		return errorf("invalid --page-size-limit, expect in range [1, %d]", store.MaxPageSize)
	}
	if *flagSendBuffer < 1 || *flagSendBuffer > 4096 {
		return errorf("invalid --send-buffer, expect in range [1, 4096]")
	}
	if *flagMaxMsgSize < 512 || *flagMaxMsgSize > 1<<20 {
		return errorf("invalid --max-msg-size, expect in range [512, %d]", 1<<20)
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(strings.TrimSpace(string(content)))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
