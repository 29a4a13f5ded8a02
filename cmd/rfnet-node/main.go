// Package main runs an RFNet Node: the client endpoint that listens for
// a Link's beacon, negotiates a session, sends one signed REST request,
// and prints the decoded response.
package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kulaginds/rfnet/internal/config"
	"github.com/kulaginds/rfnet/internal/envelope"
	"github.com/kulaginds/rfnet/internal/kiss"
	"github.com/kulaginds/rfnet/internal/logging"
	"github.com/kulaginds/rfnet/internal/metrics"
	"github.com/kulaginds/rfnet/internal/node"
	"github.com/kulaginds/rfnet/internal/transport/tnc"
)

var appName = "rfnet-node"

func main() {
	args, action := parseFlags()
	if action != "" {
		return
	}
	if err := run(args); err != nil {
		logging.Error("rfnet-node: %v", err)
		os.Exit(1)
	}
}

type parsedArgs struct {
	callsign       string
	logLevel       string
	tncAddr        string
	remoteCallsign string
	linkWidth      int
	fecEnabled     bool
	retryEnabled   bool
	keyFile        string
	method         string
	url            string
	headers        string
	body           string
	addr           string
}

func parseFlags() (parsedArgs, string) {
	fs := flag.NewFlagSet("rfnet-node", flag.ContinueOnError)
	callsign := fs.String("callsign", "", "this Node's callsign")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	tncAddr := fs.String("tnc-addr", "", "TNC KISS TCP address to dial, e.g. 127.0.0.1:8001")
	remoteCallsign := fs.String("remote-callsign", "", "the Link's callsign to negotiate a session with")
	linkWidth := fs.Int("link-width", 32, "assumed link width in bytes, until a real beacon is heard")
	fecEnabled := fs.Bool("fec", true, "assumed FEC setting, until a real beacon is heard")
	retryEnabled := fs.Bool("retry", true, "assumed retry setting, until a real beacon is heard")
	keyFile := fs.String("key-file", "", "path to a raw 32-byte ed25519 seed; a fresh key is generated if omitted")
	method := fs.String("method", "GET", "REST method: GET, PUT, POST, PATCH, DELETE")
	url := fs.String("url", "", "REST URL to request")
	headers := fs.String("headers", "", "raw header blob, as the Link-side handler expects it")
	body := fs.String("body", "", "request body")
	addr := fs.String("addr", "", "caller identity carried in the envelope (defaults to -callsign)")
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
		callsign:       strings.TrimSpace(*callsign),
		logLevel:       strings.TrimSpace(*logLevel),
		tncAddr:        strings.TrimSpace(*tncAddr),
		remoteCallsign: strings.TrimSpace(*remoteCallsign),
		linkWidth:      *linkWidth,
		fecEnabled:     *fecEnabled,
		retryEnabled:   *retryEnabled,
		keyFile:        strings.TrimSpace(*keyFile),
		method:         strings.ToUpper(strings.TrimSpace(*method)),
		url:            *url,
		headers:        *headers,
		body:           *body,
		addr:           strings.TrimSpace(*addr),
	}, ""
}

func run(args parsedArgs) error {
	cfg, err := config.LoadWithOverrides(config.LoadOptions{Callsign: args.callsign, LogLevel: args.logLevel})
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logging.SetLevelFromString(cfg.Logging.Level)

	if args.tncAddr == "" {
		return fmt.Errorf("rfnet-node: -tnc-addr is required")
	}
	if args.remoteCallsign == "" {
		return fmt.Errorf("rfnet-node: -remote-callsign is required")
	}
	if args.url == "" {
		return fmt.Errorf("rfnet-node: -url is required")
	}

	priv, err := loadOrGenerateKey(args.keyFile)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}

	reqBytes, err := buildRequest(args, priv)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	remote := &config.LinkConfig{
		Callsign:     args.remoteCallsign,
		LinkWidth:    args.linkWidth,
		FECEnabled:   args.fecEnabled,
		RetryEnabled: args.retryEnabled,
		MajorVersion: 1,
		MinorVersion: 0,
	}

	n := node.New(cfg.Node.Callsign, remote, cfg.Retry)

	reg := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		n.SetMetrics(metrics.New(reg, "node"))
		go serveMetrics(cfg.Metrics, reg)
	}

	logging.Info("rfnet-node: %s dialing TNC at %s", cfg.Node.Callsign, args.tncAddr)

	conn, err := tnc.DialTCP(args.tncAddr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dialing TNC: %w", err)
	}
	defer conn.Close()

	resp, err := driveNode(n, conn, reqBytes)
	if err != nil {
		return err
	}

	printResponse(resp)

	return nil
}

// loadOrGenerateKey reads a raw 32-byte ed25519 seed from path, or mints
// a fresh keypair and logs the public key so the operator can register
// it on the Link side, matching a one-shot CLI's lack of any persistent
// identity store.
func loadOrGenerateKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		logging.Info("rfnet-node: generated ephemeral key, public=%s", base64.StdEncoding.EncodeToString(pub))
		return priv, nil
	}

	seed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key file must contain exactly %d raw bytes, got %d", ed25519.SeedSize, len(seed))
	}

	return ed25519.NewKeyFromSeed(seed), nil
}

func buildRequest(args parsedArgs, priv ed25519.PrivateKey) ([]byte, error) {
	method, err := restMethod(args.method)
	if err != nil {
		return nil, err
	}

	addr := args.addr
	if addr == "" {
		addr = args.callsign
	}

	msg := envelope.RequestMessage{
		Addr:       addr,
		SequenceID: 1,
		MsgType:    envelope.MsgREST,
		REST: envelope.RESTRequest{
			Method:  method,
			URL:     args.url,
			Headers: args.headers,
			Body:    []byte(args.body),
		},
	}

	return envelope.EncodeRequest(msg, priv)
}

func restMethod(token string) (envelope.RESTMethod, error) {
	switch token {
	case "GET":
		return envelope.MethodGET, nil
	case "PUT":
		return envelope.MethodPUT, nil
	case "POST":
		return envelope.MethodPOST, nil
	case "PATCH":
		return envelope.MethodPATCH, nil
	case "DELETE":
		return envelope.MethodDELETE, nil
	default:
		return 0, fmt.Errorf("unknown method %q", token)
	}
}

// driveNode runs the Node's single-threaded on_bytes/tick loop against a
// live TNC connection until a request/response cycle concludes, advancing
// the session itself as its driver: it calls Connect once the channel is
// heard idle, and StartRequest once the link is established.
func driveNode(n *node.Node, conn io.ReadWriter, reqBytes []byte) (envelope.ResponseMessage, error) {
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

	handleEvents := func(events []node.Event) ([][]byte, *envelope.ResponseMessage, error) {
		var out [][]byte

		for _, ev := range events {
			switch e := ev.(type) {
			case node.StateChangeEvent:
				logging.Info("rfnet-node: %s -> %s", e.Old, e.New)
				if e.New == node.StateIdle {
					frames, err := n.Connect()
					if err != nil {
						return out, nil, fmt.Errorf("connecting: %w", err)
					}
					out = append(out, frames...)
				}

			case node.ConnectedEvent:
				frames, err := n.StartRequest(reqBytes)
				if err != nil {
					return out, nil, fmt.Errorf("starting request: %w", err)
				}
				out = append(out, frames...)

			case node.ConnectionFailedEvent:
				return out, nil, fmt.Errorf("failed to negotiate a session with %s", n.RemoteConfig().Callsign)

			case node.DisconnectedEvent:
				logging.Info("rfnet-node: link cleared")

			case node.ResponseCompleteEvent:
				if e.Err != nil {
					return out, nil, fmt.Errorf("response: %w", e.Err)
				}
				resp := e.Response
				return out, &resp, nil
			}
		}

		return out, nil, nil
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

					frames, events, err := n.OnBytes(df.Payload)
					if err != nil {
						return envelope.ResponseMessage{}, err
					}
					if err := writeFrames(frames); err != nil {
						return envelope.ResponseMessage{}, err
					}

					more, resp, err := handleEvents(events)
					if err != nil {
						return envelope.ResponseMessage{}, err
					}
					if err := writeFrames(more); err != nil {
						return envelope.ResponseMessage{}, err
					}
					if resp != nil {
						return *resp, nil
					}
				}
			}
			if r.err != nil {
				return envelope.ResponseMessage{}, fmt.Errorf("reading from TNC: %w", r.err)
			}

		case <-ticker.C:
			frames, events, err := n.Tick(int(tickInterval.Milliseconds()))
			if err != nil {
				return envelope.ResponseMessage{}, err
			}
			if err := writeFrames(frames); err != nil {
				return envelope.ResponseMessage{}, err
			}

			more, resp, err := handleEvents(events)
			if err != nil {
				return envelope.ResponseMessage{}, err
			}
			if err := writeFrames(more); err != nil {
				return envelope.ResponseMessage{}, err
			}
			if resp != nil {
				return *resp, nil
			}
		}
	}
}

func printResponse(resp envelope.ResponseMessage) {
	switch resp.MsgType {
	case envelope.MsgREST:
		fmt.Printf("status: %d\n", resp.REST.Code)
		fmt.Println(string(resp.REST.Body))
	case envelope.MsgRaw:
		fmt.Println(string(resp.Raw))
	}
}

func serveMetrics(cfg config.MetricsConfig, reg *prometheus.Registry) {
	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))

	logging.Info("rfnet-node: serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Error("rfnet-node: metrics server: %v", err)
	}
}

func showHelp() {
	fmt.Println(appName)
	fmt.Println("USAGE: rfnet-node [options]")
	fmt.Println("OPTIONS:")
	fmt.Println("  -callsign         This Node's callsign (overrides NODE_CALLSIGN)")
	fmt.Println("  -log-level        Log level (debug, info, warn, error)")
	fmt.Println("  -tnc-addr         TNC KISS TCP address to dial, e.g. 127.0.0.1:8001")
	fmt.Println("  -remote-callsign  The Link's callsign to negotiate with")
	fmt.Println("  -link-width       Assumed link width in bytes, until a beacon is heard")
	fmt.Println("  -fec              Assumed FEC setting, until a beacon is heard")
	fmt.Println("  -retry            Assumed retry setting, until a beacon is heard")
	fmt.Println("  -key-file         Path to a raw 32-byte ed25519 seed (generated if omitted)")
	fmt.Println("  -method           REST method: GET, PUT, POST, PATCH, DELETE")
	fmt.Println("  -url              REST URL to request")
	fmt.Println("  -headers          Raw header blob")
	fmt.Println("  -body             Request body")
	fmt.Println("  -addr             Caller identity carried in the envelope (defaults to -callsign)")
	fmt.Println("  -version          Show version information")
	fmt.Println("  -help             Show this help message")
	fmt.Println("ENVIRONMENT VARIABLES: NODE_CALLSIGN, RETRY_*, METRICS_*, LOG_LEVEL")
}
