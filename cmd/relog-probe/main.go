// Command relog-probe exercises a network stream driver pair end to end.
//
// In server mode it listens for connections and echoes everything it
// receives. In client mode it opens a connection and provides an
// interactive prompt; each entered line is sent to the server and the
// echo is printed.
//
// Usage:
//
//	relog-probe [flags]
//
// Flags:
//
//	-config string   YAML driver configuration file
//	-listen string   Listen address, e.g. ":6514" (server mode)
//	-connect string  Server host (client mode)
//	-port string     Server port (client mode, default "6514")
//	-network string  Network name: tcp, tcp4, tcp6 (default "tcp")
//	-mode int        Driver mode: 0 plain TCP, 1 TLS
//	-auth string     Authentication mode: x509/name, x509/certvalid, anon
//	-peer string     Permitted peer name
//	-ca string       CA certificate file
//	-cert string     Certificate file
//	-key string      Private key file
//	-crl string      Certificate revocation list file
//	-events string   Write driver events to this file (CBOR)
//	-dump string     Print driver events from a CBOR file and exit
//	-verbose         Also print driver events to the console
//
// Examples:
//
//	# Plain TCP echo server and client
//	relog-probe -listen :6514
//	relog-probe -connect localhost
//
//	# TLS with mutual name checking
//	relog-probe -listen :6514 -mode 1 -ca ca.pem -cert srv.pem -key srv.key -peer client.example.net
//	relog-probe -connect srv.example.net -mode 1 -ca ca.pem -cert cli.pem -key cli.key -peer srv.example.net
//
//	# Inspect a recorded event file
//	relog-probe -dump events.cbor
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/relog-project/relog-go/pkg/config"
	"github.com/relog-project/relog-go/pkg/log"
	"github.com/relog-project/relog-go/pkg/netstream"
	"github.com/relog-project/relog-go/pkg/tlsdrv"
)

var (
	flagConfig  = flag.String("config", "", "YAML driver configuration file")
	flagListen  = flag.String("listen", "", "listen address (server mode)")
	flagConnect = flag.String("connect", "", "server host (client mode)")
	flagPort    = flag.String("port", "6514", "server port (client mode)")
	flagNetwork = flag.String("network", "tcp", "network name: tcp, tcp4, tcp6")
	flagMode    = flag.Int("mode", 0, "driver mode: 0 plain TCP, 1 TLS")
	flagAuth    = flag.String("auth", "", "authentication mode")
	flagPeer    = flag.String("peer", "", "permitted peer name")
	flagCA      = flag.String("ca", "", "CA certificate file")
	flagCert    = flag.String("cert", "", "certificate file")
	flagKey     = flag.String("key", "", "private key file")
	flagCRL     = flag.String("crl", "", "certificate revocation list file")
	flagEvents  = flag.String("events", "", "write driver events to this file (CBOR)")
	flagDump    = flag.String("dump", "", "print driver events from a CBOR file and exit")
	flagVerbose = flag.Bool("verbose", false, "also print driver events to the console")
)

func main() {
	flag.Parse()
	stdlog.SetFlags(stdlog.Ltime | stdlog.Lmicroseconds)

	if *flagDump != "" {
		if err := dumpEvents(*flagDump); err != nil {
			stdlog.Fatal(err)
		}
		return
	}

	if (*flagListen == "") == (*flagConnect == "") {
		stdlog.Fatal("exactly one of -listen or -connect is required")
	}

	logger, closeLogger, err := buildLogger()
	if err != nil {
		stdlog.Fatalf("event logger: %v", err)
	}
	defer closeLogger()

	driver, err := buildDriver(logger)
	if err != nil {
		stdlog.Fatalf("driver configuration: %v", err)
	}

	if *flagListen != "" {
		err = runServer(driver)
	} else {
		err = runClient(driver)
	}
	if err != nil {
		stdlog.Fatal(err)
	}
}

func buildLogger() (log.Logger, func(), error) {
	var loggers []log.Logger
	closeLogger := func() {}

	if *flagEvents != "" {
		fl, err := log.NewFileLogger(*flagEvents)
		if err != nil {
			return nil, nil, err
		}
		loggers = append(loggers, fl)
		closeLogger = func() { fl.Close() }
	}
	if *flagVerbose {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
		loggers = append(loggers, log.NewSlogAdapter(slog.New(handler)))
	}

	switch len(loggers) {
	case 0:
		return log.NoopLogger{}, closeLogger, nil
	case 1:
		return loggers[0], closeLogger, nil
	default:
		return log.NewMultiLogger(loggers...), closeLogger, nil
	}
}

// dumpEvents prints every event recorded in a CBOR event file, one line
// per event.
func dumpEvents(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := log.NewDecoder(f)
	for {
		var ev log.Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode event: %w", err)
		}
		line := fmt.Sprintf("%s %-7s %-7s conn=%s %s",
			ev.Timestamp.Format(time.RFC3339Nano), ev.Severity, ev.Category, ev.ConnectionID, ev.Message)
		if ev.RemoteAddr != "" {
			line += " peer=" + ev.RemoteAddr
		}
		if ev.Code != nil {
			line += fmt.Sprintf(" code=%d", *ev.Code)
		}
		if ev.Detail != "" {
			line += ": " + ev.Detail
		}
		fmt.Println(line)
	}
}

// buildDriver constructs a driver from either the config file or the
// command line flags, everything passing through the setter surface.
func buildDriver(logger log.Logger) (netstream.Driver, error) {
	if *flagConfig != "" {
		cfg, err := config.Load(*flagConfig)
		if err != nil {
			return nil, err
		}
		d := tlsdrv.NewDriver(cfg.DriverDefaults(), logger)
		if err := cfg.Driver.Apply(d); err != nil {
			return nil, err
		}
		return d, nil
	}

	d := tlsdrv.NewDriver(netstream.Defaults{}, logger)
	if err := d.SetMode(*flagMode); err != nil {
		return nil, err
	}
	if err := d.SetAuthMode(*flagAuth); err != nil {
		return nil, err
	}
	if *flagPeer != "" {
		if err := d.SetPermittedPeers([]string{*flagPeer}); err != nil {
			return nil, err
		}
	}
	d.SetCAFile(*flagCA)
	d.SetCertFile(*flagCert)
	d.SetKeyFile(*flagKey)
	d.SetCRLFile(*flagCRL)
	return d, nil
}

// runServer accepts connections and echoes everything back. A single
// select loop serves the listener and all established connections, so
// TLS-buffered data is picked up through the multiplexer's bookkeeping
// rather than by busy-polling.
func runServer(listener netstream.Driver) error {
	if err := listener.Listen(*flagNetwork, *flagListen, ""); err != nil {
		return err
	}
	defer listener.Close()
	stdlog.Printf("listening on %s", *flagListen)

	conns := make(map[netstream.Driver]string)
	buf := make([]byte, 64*1024)

	for {
		set := tlsdrv.NewSelectSet()
		if err := set.Add(listener, netstream.WaitRead); err != nil {
			return err
		}
		for c := range conns {
			if err := set.Add(c, netstream.WaitRead); err != nil {
				return err
			}
		}
		if _, err := set.Select(-1); err != nil {
			return err
		}

		if ready, _ := set.IsReady(listener, netstream.WaitRead); ready {
			conn, err := listener.AcceptConnReq()
			switch {
			case err == nil:
				peer, _ := conn.RemoteIP()
				conns[conn] = peer
				stdlog.Printf("accepted connection from %s", peer)
			case errors.Is(err, netstream.ErrRetry):
				// raced with nothing to accept, try again next round
			default:
				stdlog.Printf("accept failed: %v", err)
			}
		}

		for conn, peer := range conns {
			ready, err := set.IsReady(conn, netstream.WaitRead)
			if err != nil || !ready {
				continue
			}
			if done := serveConn(conn, peer, buf); done {
				conn.Close()
				delete(conns, conn)
			}
		}
	}
}

// serveConn handles one readiness notification for a connection. It
// reports true when the connection is finished.
func serveConn(conn netstream.Driver, peer string, buf []byte) bool {
	n, err := conn.Rcv(buf)
	switch {
	case err == nil:
		if _, serr := conn.Send(buf[:n]); serr != nil {
			stdlog.Printf("%s: echo failed: %v", peer, serr)
			return true
		}
		return false
	case errors.Is(err, netstream.ErrRetry):
		return false
	case errors.Is(err, netstream.ErrClosed):
		stdlog.Printf("%s: connection closed", peer)
		return true
	case errors.Is(err, netstream.ErrEOF):
		stdlog.Printf("%s: connection lost", peer)
		return true
	default:
		stdlog.Printf("%s: receive failed: %v", peer, err)
		return true
	}
}

// runClient connects, then reads lines interactively and round-trips
// each one through the server.
func runClient(driver netstream.Driver) error {
	if err := driver.Connect(*flagNetwork, *flagConnect, *flagPort, ""); err != nil {
		return err
	}
	defer driver.Close()
	stdlog.Printf("connected to %s:%s", *flagConnect, *flagPort)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "probe> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("create readline: %w", err)
	}
	defer rl.Close()

	buf := make([]byte, 64*1024)
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(rl.Stdout(), "exiting")
			driver.Abort()
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return nil
		}

		if _, err := driver.Send([]byte(line + "\n")); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		echo, err := receive(driver, buf, 5*time.Second)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		fmt.Fprintf(rl.Stdout(), "echo: %s", echo)
	}
}

// receive waits for read readiness and retries until data arrives or the
// deadline passes.
func receive(driver netstream.Driver, buf []byte, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", errors.New("timed out waiting for echo")
		}

		set := tlsdrv.NewSelectSet()
		if err := set.Add(driver, netstream.WaitRead); err != nil {
			return "", err
		}
		n, err := set.Select(remaining)
		if err != nil {
			return "", err
		}
		if n == 0 {
			continue
		}
		if ready, _ := set.IsReady(driver, netstream.WaitRead); !ready {
			continue
		}

		rn, err := driver.Rcv(buf)
		if errors.Is(err, netstream.ErrRetry) {
			continue
		}
		if err != nil {
			return "", err
		}
		return string(buf[:rn]), nil
	}
}
