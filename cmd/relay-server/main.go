// Command relay-server accepts TCP clients on a port and rebroadcasts every
// message from one client to all the others. A line on standard input or an
// interrupt signal stops it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cyberinferno/tcprelay/admission"
	"github.com/cyberinferno/tcprelay/console"
	"github.com/cyberinferno/tcprelay/logger"
	"github.com/cyberinferno/tcprelay/tcpserver"
	"github.com/cyberinferno/tcprelay/wire"
)

const serviceName = "relay-server"

type options struct {
	host           string
	port           int
	framing        string
	logDir         string
	logLevel       string
	receiveTimeout time.Duration
	writeTimeout   time.Duration
	slowBroadcast  time.Duration
	maxConnPerIP   int
	admissionWin   time.Duration
	redisAddr      string
	redisPrefix    string
	msgRate        float64
	msgBurst       int
}

func parseFlags() options {
	var o options

	flag.StringVar(&o.host, "host", "", "Listen address")
	flag.IntVar(&o.port, "port", tcpserver.DefaultPort, "Listen port")
	flag.StringVar(&o.framing, "framing", string(wire.FramingLength), "Message framing: length or raw")
	flag.StringVar(&o.logDir, "log-dir", "", "Directory for daily log files; console only when empty")
	flag.StringVar(&o.logLevel, "log-level", "info", "Minimum log level")
	flag.DurationVar(&o.receiveTimeout, "receive-timeout", 5*time.Second, "Per-read timeout between liveness checks")
	flag.DurationVar(&o.writeTimeout, "write-timeout", 0, "Per-peer broadcast write timeout; 0 waits indefinitely")
	flag.DurationVar(&o.slowBroadcast, "slow-broadcast", 250*time.Millisecond, "Log broadcasts slower than this; 0 disables")
	flag.IntVar(&o.maxConnPerIP, "max-conn-per-ip", 0, "Connections admitted per remote IP per window; 0 disables")
	flag.DurationVar(&o.admissionWin, "admission-window", time.Minute, "Admission counting window")
	flag.StringVar(&o.redisAddr, "redis-addr", "", "Redis address for shared admission counters")
	flag.StringVar(&o.redisPrefix, "redis-prefix", "relay:admission", "Key prefix for admission counters")
	flag.Float64Var(&o.msgRate, "msg-rate", 0, "Messages per second accepted from one client; 0 disables")
	flag.IntVar(&o.msgBurst, "msg-burst", 1, "Message burst allowed above msg-rate")
	flag.Parse()

	return o
}

func main() {
	os.Exit(run(parseFlags()))
}

func run(o options) int {
	level, err := zerolog.ParseLevel(o.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", o.logLevel, err)
		return 2
	}

	log := logger.NewConsoleLogger(serviceName, os.Stdout, level)
	if o.logDir != "" {
		log, err = logger.NewConsoleFileLogger(serviceName, os.Stdout, o.logDir, level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log directory: %v\n", err)
			return 1
		}
	}
	defer log.Close()

	framing, err := wire.ParseFraming(o.framing)
	if err != nil {
		log.Error("invalid configuration", logger.Field{Key: "error", Value: err.Error()})
		return 2
	}

	cfg := tcpserver.DefaultServerConfig(net.JoinHostPort(o.host, strconv.Itoa(o.port)))
	cfg.Name = serviceName
	cfg.Framing = framing
	cfg.Policy.ReceiveTimeout = o.receiveTimeout
	cfg.Dispatcher.WriteTimeout = o.writeTimeout
	cfg.Dispatcher.SlowBroadcastThreshold = o.slowBroadcast
	cfg.MessageRate = o.msgRate
	cfg.MessageBurst = o.msgBurst

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter, closeLimiter, err := newLimiter(ctx, o, log)
	if err != nil {
		log.Error("admission backend unavailable", logger.Field{Key: "error", Value: err.Error()})
		return 1
	}
	defer closeLimiter()
	cfg.Admission = limiter

	srv, err := tcpserver.New(cfg, log)
	if err != nil {
		log.Error("invalid configuration", logger.Field{Key: "error", Value: err.Error()})
		return 2
	}

	if err := srv.Start(); err != nil {
		return 1
	}

	fmt.Println("Press Enter to stop the server")

	select {
	case <-ctx.Done():
	case _, ok := <-console.ReadLines(ctx, os.Stdin):
		if !ok {
			// Standard input closed: keep serving until signalled.
			<-ctx.Done()
		}
	}

	srv.Stop()
	return 0
}

// newLimiter builds the admission limiter selected by the flags and a
// function releasing its resources.
func newLimiter(ctx context.Context, o options, log logger.Logger) (admission.Limiter, func(), error) {
	cfg := admission.Config{Max: o.maxConnPerIP, Window: o.admissionWin}
	if !cfg.Enabled() {
		return admission.Unlimited{}, func() {}, nil
	}

	if o.redisAddr == "" {
		log.Info("admission throttle enabled",
			logger.Field{Key: "backend", Value: "memory"},
			logger.Field{Key: "max", Value: cfg.Max},
			logger.Field{Key: "window", Value: cfg.Window.String()},
		)
		return admission.NewMemoryLimiter(cfg), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: o.redisAddr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", o.redisAddr, err)
	}

	log.Info("admission throttle enabled",
		logger.Field{Key: "backend", Value: "redis"},
		logger.Field{Key: "redis", Value: o.redisAddr},
		logger.Field{Key: "max", Value: cfg.Max},
		logger.Field{Key: "window", Value: cfg.Window.String()},
	)

	return admission.NewRedisLimiter(client, o.redisPrefix, cfg), func() { _ = client.Close() }, nil
}
