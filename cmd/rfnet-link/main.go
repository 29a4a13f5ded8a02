// Package main runs an RFNet Link: the gateway endpoint that listens
// for a Node over a TNC, negotiates a session, and proxies the Node's
// signed REST requests to a real HTTP backend.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kulaginds/rfnet/internal/config"
	"github.com/kulaginds/rfnet/internal/kiss"
	"github.com/kulaginds/rfnet/internal/link"
	"github.com/kulaginds/rfnet/internal/logging"
	"github.com/kulaginds/rfnet/internal/metrics"
	"github.com/kulaginds/rfnet/internal/packet"
	"github.com/kulaginds/rfnet/internal/transport/tnc"
)

var appName = "rfnet-link"

func main() {
	args, action := parseFlags()
	if action != "" {
		return
	}
	if err := run(args); err != nil {
		logging.Error("rfnet-link: %v", err)
		os.Exit(1)
	}
}

type parsedArgs struct {
	callsign string
	logLevel string
	tncAddr  string
}

func parseFlags() (parsedArgs, string) {
	fs := flag.NewFlagSet("rfnet-link", flag.ContinueOnError)
	callsign := fs.String("callsign", "", "this Link's callsign")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	tncAddr := fs.String("tnc-addr", "", "TNC KISS TCP address to dial, e.g. 127.0.0.1:8001")
	helpFlag := fs.Bool("help", false, "show help")
	versionFlag := fs.Bool("version", false, "show version")

	_ = fs.Parse(os.Args[1:])

	if *helpFlag {
		showHelp()
		return parsedArgs{}, "help"
	}
	if *versionFlag {
		fmt.Println(appName, "dev")
		return parsedArgs{}, "version"
	}

	return parsedArgs{
		callsign: strings.TrimSpace(*callsign),
		logLevel: strings.TrimSpace(*logLevel),
		tncAddr:  strings.TrimSpace(*tncAddr),
	}, ""
}

func run(args parsedArgs) error {
	cfg, err := config.LoadWithOverrides(config.LoadOptions{Callsign: args.callsign, LogLevel: args.logLevel})
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logging.SetLevelFromString(cfg.Logging.Level)

	if args.tncAddr == "" {
		return fmt.Errorf("rfnet-link: -tnc-addr is required")
	}

	reg := prometheus.NewRegistry()
	l := link.New(cfg.Link, cfg.Retry, &httpProvider{base: cfg.Link.HTTPBaseURL})
	if cfg.Metrics.Enabled {
		l.SetMetrics(metrics.New(reg, "link"))
		go serveMetrics(cfg.Metrics, reg)
	}

	logging.Info("rfnet-link: %s dialing TNC at %s", cfg.Link.Callsign, args.tncAddr)

	conn, err := tnc.DialTCP(args.tncAddr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dialing TNC: %w", err)
	}
	defer conn.Close()

	return driveLink(l, conn, cfg.Link.LinkWidth, cfg.Link.FECEnabled)
}

// driveLink runs the Link's single-threaded on_bytes/tick loop against a
// live TNC connection: a background goroutine reads raw bytes, and the
// loop here either feeds them to the Link or ticks its clock, translating
// between KISS frames and decoded packets.
func driveLink(l *link.Link, conn io.ReadWriter, linkWidth int, fecEnabled bool) error {
	const tickInterval = 100 * time.Millisecond

	var inbound bytes.Buffer

	writeFrames := func(frames [][]byte) error {
		for _, f := range frames {
			if _, err := kiss.EncodeBytes(conn, f, 0); err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}
		}
		return nil
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	type readResult struct {
		data []byte
		err  error
	}
	reads := make(chan readResult, 1)
	go func() {
		readBuf := make([]byte, 4096)
		for {
			n, err := conn.Read(readBuf)
			reads <- readResult{append([]byte(nil), readBuf[:n]...), err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case r := <-reads:
			if len(r.data) > 0 {
				inbound.Write(r.data)

				for {
					df := kiss.Decode(inbound.Bytes())
					if df == nil {
						break
					}

					remaining := append([]byte(nil), inbound.Bytes()[df.BytesRead:]...)
					inbound.Reset()
					inbound.Write(remaining)

					pkt, corrected, decodeErr := packet.DecodeFrame(df.Payload, linkWidth, fecEnabled)
					if decodeErr != nil && pkt == nil {
						continue
					}

					frames, oerr := l.OnPacket(pkt, corrected, decodeErr)
					if oerr != nil {
						return oerr
					}
					if err := writeFrames(frames); err != nil {
						return err
					}
				}
			}
			if r.err != nil {
				return fmt.Errorf("reading from TNC: %w", r.err)
			}

		case <-ticker.C:
			frames, err := l.Tick(int(tickInterval.Milliseconds()))
			if err != nil {
				return err
			}
			if err := writeFrames(frames); err != nil {
				return err
			}
		}
	}
}

func serveMetrics(cfg config.MetricsConfig, reg *prometheus.Registry) {
	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))

	logging.Info("rfnet-link: serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Error("rfnet-link: metrics server: %v", err)
	}
}

// httpProvider implements link.HTTPProvider over net/http, proxying a
// decoded REST request against base + req.URL.
type httpProvider struct {
	base   string
	client http.Client
}

func (p *httpProvider) Do(req link.HTTPRequest) (link.HTTPResponse, error) {
	url := req.URL
	if p.base != "" {
		url = p.base + req.URL
	}

	httpReq, err := http.NewRequest(req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return link.HTTPResponse{}, fmt.Errorf("building http request: %w", err)
	}
	httpReq.Header = req.Headers

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return link.HTTPResponse{}, fmt.Errorf("issuing http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return link.HTTPResponse{}, fmt.Errorf("reading http response: %w", err)
	}

	return link.HTTPResponse{StatusCode: resp.StatusCode, Body: body}, nil
}

func showHelp() {
	fmt.Println(appName)
	fmt.Println("USAGE: rfnet-link [options]")
	fmt.Println("OPTIONS:")
	fmt.Println("  -callsign    This Link's callsign (overrides LINK_CALLSIGN)")
	fmt.Println("  -log-level   Log level (debug, info, warn, error)")
	fmt.Println("  -tnc-addr    TNC KISS TCP address to dial, e.g. 127.0.0.1:8001")
	fmt.Println("  -version     Show version information")
	fmt.Println("  -help        Show this help message")
	fmt.Println("ENVIRONMENT VARIABLES: LINK_CALLSIGN, LINK_WIDTH, LINK_FEC_ENABLED, LINK_RETRY_ENABLED,")
	fmt.Println("  LINK_BROADCAST_RATE_MS, LINK_HTTP_BASE_URL, RETRY_*, METRICS_*, LOG_LEVEL")
}
