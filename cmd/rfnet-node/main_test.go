package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kulaginds/rfnet/internal/config"
	"github.com/kulaginds/rfnet/internal/envelope"
	"github.com/kulaginds/rfnet/internal/kiss"
	"github.com/kulaginds/rfnet/internal/link"
	"github.com/kulaginds/rfnet/internal/node"
	"github.com/kulaginds/rfnet/internal/packet"
)

func saveArgs(args []string) func() {
	prev := os.Args
	os.Args = args
	return func() { os.Args = prev }
}

func TestParseFlagsDefaults(t *testing.T) {
	restore := saveArgs([]string{
		"rfnet-node",
		"-callsign", "KC1NODE",
		"-tnc-addr", "127.0.0.1:8001",
		"-remote-callsign", "KC1LNK",
		"-url", "/status",
	})
	defer restore()

	args, action := parseFlags()
	require.Equal(t, "", action)
	assert.Equal(t, "KC1NODE", args.callsign)
	assert.Equal(t, "KC1LNK", args.remoteCallsign)
	assert.Equal(t, "GET", args.method)
	assert.Equal(t, 32, args.linkWidth)
	assert.True(t, args.fecEnabled)
}

func TestRunRequiresFlags(t *testing.T) {
	err := run(parsedArgs{callsign: "KC1NODE"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tnc-addr")

	err = run(parsedArgs{callsign: "KC1NODE", tncAddr: "x:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote-callsign")

	err = run(parsedArgs{callsign: "KC1NODE", tncAddr: "x:1", remoteCallsign: "KC1LNK"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}

func TestBuildRequestSignsEnvelope(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	reqBytes, err := buildRequest(parsedArgs{
		callsign: "KC1NODE",
		method:   "POST",
		url:      "/widgets",
		body:     "payload",
	}, priv)
	require.NoError(t, err)

	msg, err := envelope.DecodeRequest(reqBytes)
	require.NoError(t, err)
	assert.Equal(t, "KC1NODE", msg.Addr)
	assert.Equal(t, envelope.MethodPOST, msg.REST.Method)
	assert.Equal(t, "/widgets", msg.REST.URL)
	assert.Equal(t, "payload", string(msg.REST.Body))
	assert.True(t, envelope.Verify(reqBytes, []ed25519.PublicKey{pub}))
}

func TestRestMethodUnknown(t *testing.T) {
	_, err := restMethod("TRACE")
	require.Error(t, err)
}

// TestDriveNodeEndToEnd wires a Node and a Link together over a pair of
// net.Pipe connections (standing in for two ends of a shared TNC) and
// confirms a full negotiate/send/receive cycle produces the REST
// response an httptest backend returns.
func TestDriveNodeEndToEnd(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("all good"))
	}))
	defer backend.Close()

	nodeConn, linkConn := net.Pipe()
	defer nodeConn.Close()
	defer linkConn.Close()

	linkCfg := config.LinkConfig{Callsign: "KC1LNK", LinkWidth: 32, FECEnabled: true, BroadcastRate: 50}
	retry := config.RetryConfig{BPS: 1200, BPSScale: 1.5, RetryAttempts: 5}
	l := link.New(linkCfg, retry, &httpProviderStub{base: backend.URL})

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	remote := &config.LinkConfig{Callsign: "KC1LNK", LinkWidth: 32, FECEnabled: true}
	n := node.New("KC1NODE", remote, retry)

	reqBytes, err := envelope.EncodeRequest(envelope.RequestMessage{
		Addr:       "KC1NODE",
		SequenceID: 1,
		MsgType:    envelope.MsgREST,
		REST:       envelope.RESTRequest{Method: envelope.MethodGET, URL: "/status"},
	}, priv)
	require.NoError(t, err)

	linkDone := make(chan error, 1)
	go func() {
		// driveLink lives in the sibling rfnet-link package; this
		// package's test plays both roles by feeding linkConn through
		// a minimal inline pump.
		linkDone <- pumpLink(l, linkConn, linkCfg.LinkWidth, linkCfg.FECEnabled)
	}()

	resp, err := driveNode(n, nodeConn, reqBytes)
	require.NoError(t, err)
	assert.Equal(t, uint16(http.StatusOK), resp.REST.Code)
	assert.Equal(t, "all good", string(resp.REST.Body))

	nodeConn.Close()
	linkConn.Close()
	<-linkDone
}

type httpProviderStub struct {
	base string
}

func (p *httpProviderStub) Do(req link.HTTPRequest) (link.HTTPResponse, error) {
	url := p.base + req.URL
	httpReq, err := http.NewRequest(req.Method, url, strings.NewReader(string(req.Body)))
	if err != nil {
		return link.HTTPResponse{}, err
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return link.HTTPResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return link.HTTPResponse{}, err
	}

	return link.HTTPResponse{StatusCode: resp.StatusCode, Body: body}, nil
}

// pumpLink is driveLink's loop, duplicated here rather than imported
// (it lives in package main of a sibling command) so this test can run
// a Link against the same net.Pipe a Node is driven over.
func pumpLink(l *link.Link, conn net.Conn, linkWidth int, fecEnabled bool) error {
	const tickInterval = 50 * time.Millisecond

	var inbound bytes.Buffer

	write := func(frames [][]byte) error {
		for _, f := range frames {
			if _, err := kiss.EncodeBytes(conn, f, 0); err != nil {
				return err
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
					if err := write(frames); err != nil {
						return err
					}
				}
			}
			if r.err != nil {
				return r.err
			}

		case <-ticker.C:
			frames, err := l.Tick(int(tickInterval.Milliseconds()))
			if err != nil {
				return err
			}
			if err := write(frames); err != nil {
				return err
			}
		}
	}
}
