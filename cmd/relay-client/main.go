// Command relay-client connects to a relay server, sends every typed line to
// it and prints what other clients send. Typing "exit" or an interrupt signal
// ends the session.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyberinferno/tcprelay/console"
	"github.com/cyberinferno/tcprelay/logger"
	"github.com/cyberinferno/tcprelay/tcpclient"
	"github.com/cyberinferno/tcprelay/wire"
)

const serviceName = "relay-client"

type options struct {
	username       string
	host           string
	port           int
	framing        string
	attempts       int
	connectTimeout time.Duration
	retryInterval  time.Duration
	writeTimeout   time.Duration
	logDir         string
	logLevel       string
	noColor        bool
}

func parseFlags() options {
	var o options

	flag.StringVar(&o.username, "username", "", "Chat username; prompted for when empty")
	flag.StringVar(&o.host, "server", "", "Server IP or host name; prompted for when empty")
	flag.IntVar(&o.port, "port", 0, "Server port; prompted for when 0")
	flag.StringVar(&o.framing, "framing", string(wire.FramingLength), "Message framing: length or raw")
	flag.IntVar(&o.attempts, "attempts", 3, "Connection attempts before giving up")
	flag.DurationVar(&o.connectTimeout, "connect-timeout", 5*time.Second, "Timeout of one connection attempt")
	flag.DurationVar(&o.retryInterval, "retry-interval", time.Second, "Pause between connection attempts")
	flag.DurationVar(&o.writeTimeout, "write-timeout", 10*time.Second, "Send timeout")
	flag.StringVar(&o.logDir, "log-dir", "", "Directory for daily log files")
	flag.StringVar(&o.logLevel, "log-level", "warn", "Minimum log level")
	flag.BoolVar(&o.noColor, "no-color", false, "Disable coloured output")
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

	log := logger.NewConsoleLogger(serviceName, os.Stderr, level)
	if o.logDir != "" {
		log, err = logger.NewConsoleFileLogger(serviceName, os.Stderr, o.logDir, level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log directory: %v\n", err)
			return 1
		}
	}
	defer log.Close()

	framing, err := wire.ParseFraming(o.framing)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	in := bufio.NewReader(os.Stdin)
	if err := promptMissing(&o, console.NewPrompter(in, os.Stdout)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg := tcpclient.DefaultClientConfig(net.JoinHostPort(o.host, strconv.Itoa(o.port)))
	cfg.Username = o.username
	cfg.Framing = framing
	cfg.MaxAttempts = o.attempts
	cfg.ConnectionTimeout = o.connectTimeout
	cfg.RetryInterval = o.retryInterval
	cfg.WriteTimeout = o.writeTimeout

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := tcpclient.NewConnectionManager(cfg)
	defer manager.Close()
	manager.OnConnectionState(reportState)

	conn, err := manager.ConnectWithRetries(ctx)
	if err != nil {
		log.Error("connect failed", logger.Field{Key: "error", Value: err.Error()})
		fmt.Printf("Failed to connect after %d attempts\n", max(cfg.MaxAttempts, 1))
		return 1
	}

	fmt.Println("Connected to server!")

	term := console.NewTerminal(os.Stdout, o.noColor)
	channel, err := tcpclient.NewDuplexChannel(conn, cfg, term, log)
	if err != nil {
		_ = conn.Close()
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	term.ShowPrompt()
	err = channel.Run(ctx, console.ReadLines(ctx, in))
	fmt.Println()
	fmt.Println("Client closed.")

	if err != nil {
		log.Error("session ended", logger.Field{Key: "error", Value: err.Error()})
		return 1
	}

	return 0
}

func promptMissing(o *options, p *console.Prompter) error {
	var err error

	if o.username == "" {
		if o.username, err = p.Ask("Enter Username: "); err != nil {
			return err
		}
	}

	if o.host == "" {
		if o.host, err = p.Ask("Enter server IP: "); err != nil {
			return err
		}
	}

	if o.port == 0 {
		if o.port, err = p.AskPort("Enter server Port: ", 1027); err != nil {
			return err
		}
	}

	return nil
}

func reportState(e tcpclient.ConnectionStateEvent) {
	switch e.State {
	case tcpclient.Connecting:
		if e.Attempt > 1 {
			fmt.Printf("Reconnection attempt %d of %d\n", e.Attempt-1, e.MaxAttempts-1)
		}
		fmt.Println("Attempting to connect to server...")
	case tcpclient.Disconnected:
		if e.Error != nil {
			fmt.Printf("Connection attempt timed out or failed: %v\n", e.Error)
		}
	}
}
