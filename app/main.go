package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/legal-hkr/comfychair/app/client"
	"github.com/legal-hkr/comfychair/app/conditions"
	"github.com/legal-hkr/comfychair/app/dispatch"
	"github.com/legal-hkr/comfychair/app/registry"
	"github.com/legal-hkr/comfychair/app/schedule"
	"github.com/legal-hkr/comfychair/app/store"
	"github.com/legal-hkr/comfychair/app/web"
)

var opts struct {
	ServerURL    string        `short:"s" long:"server" env:"COMFYCHAIR_SERVER" default:"http://127.0.0.1:8188" description:"generation server base url"`
	PollInterval time.Duration `long:"poll-interval" env:"COMFYCHAIR_POLL_INTERVAL" default:"5s" description:"queue reconciliation interval"`
	Timeout      time.Duration `long:"timeout" env:"COMFYCHAIR_TIMEOUT" default:"30s" description:"http client timeout"`
	DBPath       string        `long:"db" env:"COMFYCHAIR_DB" default:"comfychair.db" description:"state database location"`
	ScheduleFile string        `short:"f" long:"schedule" env:"COMFYCHAIR_SCHEDULE" description:"scheduled submissions yaml file"`
	UpdateEnable bool          `short:"u" long:"update" env:"COMFYCHAIR_UPDATE" description:"watch schedule file for updates"`

	Notify struct {
		Destinations []string      `long:"destination" env:"DESTINATIONS" env-delim:"," description:"notification destinations (slack, telegram, webhook urls)"`
		OnComplete   bool          `long:"on-complete" env:"ON_COMPLETE" description:"notify on job completion"`
		OnError      bool          `long:"on-error" env:"ON_ERROR" description:"notify on job failure"`
		Timeout      time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"notification delivery timeout"`
		HostName     string        `long:"host" env:"HOSTNAME" description:"host name reported in notifications"`
	} `group:"notify" namespace:"notify" env-namespace:"COMFYCHAIR_NOTIFY"`

	Web struct {
		Enabled  bool   `long:"enabled" env:"ENABLED" description:"enable json status api"`
		Address  string `long:"address" env:"ADDRESS" default:":8080" description:"api listen address"`
		AuthHash string `long:"auth-hash" env:"AUTH_HASH" description:"bcrypt hash of the api password, empty disables auth"`
	} `group:"web" namespace:"web" env-namespace:"COMFYCHAIR_WEB"`

	Log struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Debug      bool   `long:"debug" env:"DEBUG" description:"debug mode"`
		FileName   string `long:"file" env:"FILE" description:"log to file as well as stdout"`
		MaxSize    int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size, megabytes"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max rotated files to keep"`
	} `group:"log" namespace:"log" env-namespace:"COMFYCHAIR_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("comfychair %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // SIGQUIT dumps stacks, SIGTERM/SIGINT terminate

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] comfychair failed, %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	st, err := store.NewSqlite(opts.DBPath)
	if err != nil {
		return fmt.Errorf("can't open state store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("[WARN] can't close state store, %v", err)
		}
	}()

	reg := registry.New()
	reg.RestoreState(st)

	cl := client.New(opts.ServerURL, opts.Timeout)
	log.Printf("[INFO] server %s, client id %s", cl, cl.ClientID())

	disp := &dispatch.Dispatcher{
		Registry:     reg,
		Fetcher:      cl,
		Store:        st,
		Notify:       makeNotifications(),
		PollInterval: opts.PollInterval,
	}

	listener := &client.Listener{
		URL:      wsURL(opts.ServerURL),
		ClientID: cl.ClientID(),
		Handler:  disp,
	}

	go disp.Poll(ctx)
	go func() {
		if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[ERROR] event listener terminated, %v", err)
		}
	}()

	if opts.ScheduleFile != "" {
		sched := &schedule.Scheduler{
			Cron:             cron.New(),
			Parser:           schedule.NewParser(opts.ScheduleFile, 10*time.Second),
			Submitter:        cl,
			Registry:         reg,
			ConditionChecker: conditions.Checker{},
			UpdatesEnabled:   opts.UpdateEnable,
		}
		go sched.Do(ctx)
	}

	if opts.Web.Enabled {
		srv, err := web.New(web.Config{
			Registry:     reg,
			Interrupter:  cl,
			Version:      revision,
			PasswordHash: opts.Web.AuthHash,
		})
		if err != nil {
			return fmt.Errorf("can't make web server: %w", err)
		}
		go func() {
			if err := srv.Run(ctx, opts.Web.Address); err != nil {
				log.Printf("[ERROR] web server terminated, %v", err)
			}
		}()
	}

	<-ctx.Done()
	if err := reg.SaveState(st); err != nil {
		log.Printf("[WARN] can't save state on shutdown, %v", err)
	}
	log.Print("[INFO] terminated")
	return nil
}

// makeNotifications builds the notifier, nil if nothing enabled
func makeNotifications() *dispatch.Notifications {
	if !opts.Notify.OnComplete && !opts.Notify.OnError {
		return nil
	}
	return &dispatch.Notifications{
		Destinations: opts.Notify.Destinations,
		Timeout:      opts.Notify.Timeout,
		OnCompletion: opts.Notify.OnComplete,
		OnError:      opts.Notify.OnError,
		HostName:     makeHostName(),
	}
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// wsURL converts the server base url to the websocket endpoint
func wsURL(baseURL string) string {
	res := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(res, "https://"):
		res = "wss://" + strings.TrimPrefix(res, "https://")
	case strings.HasPrefix(res, "http://"):
		res = "ws://" + strings.TrimPrefix(res, "http://")
	}
	return res + "/ws"
}

func setupLogs() {
	if !opts.Log.Enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return
	}

	logOpts := []log.Option{log.Msec, log.LevelBraces}
	if opts.Log.Debug {
		logOpts = []log.Option{log.Debug, log.CallerFile, log.CallerFunc, log.Msec, log.LevelBraces}
	}

	if opts.Log.FileName != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   opts.Log.FileName,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			Compress:   true,
		}
		mw := io.MultiWriter(os.Stdout, fileLogger)
		logOpts = append(logOpts, log.Out(mw), log.Err(mw))
	}
	log.Setup(logOpts...)
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM and SIGINT
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
