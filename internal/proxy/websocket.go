// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/spawngate/internal/lifecycle"
	"github.com/tomtom215/spawngate/internal/logging"
	"github.com/tomtom215/spawngate/internal/metrics"
)

// maxUpgradeResponseBytes caps the backend's 101 response head.
const maxUpgradeResponseBytes = 64 * 1024

// isWebSocketUpgrade detects an HTTP/1.1 WebSocket upgrade: a Connection
// header carrying the "upgrade" token plus "Upgrade: websocket". Both checks
// are case-insensitive token matches.
func isWebSocketUpgrade(r *http.Request) bool {
	if !headerContainsToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// handleUpgrade tunnels a WebSocket upgrade: it bypasses the pooled client,
// opens a fresh TCP connection to the backend, replays the upgrade request
// with original headers preserved, forwards the backend's response verbatim,
// and on 101 splices the two streams until either side closes. The in-flight
// guard is held for the entire tunnel lifetime.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, h *lifecycle.Handle, guard *lifecycle.Guard, reqID string) {
	defer guard.Release()

	hostname := h.Hostname()
	log := logging.Ctx(r.Context())
	backendAddr := fmt.Sprintf("127.0.0.1:%d", h.Port())

	backendConn, err := net.DialTimeout("tcp", backendAddr, backendDialTimeout)
	if err != nil {
		log.Error().Err(err).Str("backend_addr", backendAddr).Msg("dial for upgrade failed")
		writeError(w, hostname, CodeConnectionFailed, "failed to connect to backend")
		return
	}
	defer backendConn.Close()

	if _, err := backendConn.Write(buildUpgradeRequest(r, h.Port(), reqID)); err != nil {
		log.Error().Err(err).Msg("writing upgrade request failed")
		writeError(w, hostname, CodeConnectionFailed, "failed to connect to backend")
		return
	}

	backendReader := bufio.NewReader(backendConn)
	head, status, err := readResponseHead(backendReader)
	if err != nil {
		log.Error().Err(err).Msg("reading upgrade response failed")
		writeError(w, hostname, CodeConnectionFailed, "invalid upgrade response from backend")
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		log.Error().Msg("response writer does not support hijacking")
		writeError(w, hostname, CodeConnectionFailed, "connection cannot be upgraded")
		return
	}
	clientConn, clientRW, err := hijacker.Hijack()
	if err != nil {
		log.Error().Err(err).Msg("hijacking client connection failed")
		return
	}
	defer clientConn.Close()

	// The backend's response goes to the client verbatim, non-standard
	// headers included.
	if _, err := clientConn.Write(head); err != nil {
		return
	}

	if status != http.StatusSwitchingProtocols {
		log.Warn().Int("status", status).Msg("backend rejected upgrade")
		// Relay any body the backend sends, then abort the connection.
		_ = backendConn.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, _ = io.Copy(clientConn, backendReader)
		return
	}

	log.Info().Msg("websocket upgrade established")
	s.splice(clientConn, clientRW.Reader, backendConn, backendReader, hostname)
}

// buildUpgradeRequest renders the raw HTTP/1.1 request replayed to the
// backend: original request line and headers (hop-by-hop included, the
// upgrade needs them), with Host pointed at the backend and the proxy-owned
// headers overwritten.
func buildUpgradeRequest(r *http.Request, port int, reqID string) []byte {
	header := r.Header.Clone()
	rewriteProxyHeaders(header, r.RemoteAddr, r.Host, reqID)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", r.Method, r.URL.RequestURI())
	fmt.Fprintf(&buf, "Host: 127.0.0.1:%d\r\n", port)
	for name, values := range header {
		for _, value := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// readResponseHead consumes the response head (through the blank line) from
// the backend, returning the raw bytes and the parsed status code. Bytes
// past the head stay buffered in the reader for the tunnel.
func readResponseHead(reader *bufio.Reader) ([]byte, int, error) {
	var head bytes.Buffer
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, 0, fmt.Errorf("reading response head: %w", err)
		}
		head.WriteString(line)
		if head.Len() > maxUpgradeResponseBytes {
			return nil, 0, fmt.Errorf("response head exceeds %d bytes", maxUpgradeResponseBytes)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	// Status line: "HTTP/1.1 101 Switching Protocols".
	statusLine, _, _ := strings.Cut(head.String(), "\n")
	fields := strings.Fields(statusLine)
	if len(fields) < 2 {
		return nil, 0, fmt.Errorf("malformed status line %q", statusLine)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, 0, fmt.Errorf("malformed status code %q", fields[1])
	}

	return head.Bytes(), status, nil
}

// splice copies bytes bidirectionally until either side closes or shutdown
// cancels the tunnel. Readers are the bufio wrappers so bytes they already
// buffered are not lost.
func (s *Server) splice(clientConn net.Conn, clientReader io.Reader, backendConn net.Conn, backendReader io.Reader, hostname string) {
	metrics.WebsocketTunnels.Inc()
	defer metrics.WebsocketTunnels.Dec()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(backendConn, clientReader)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(clientConn, backendReader)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-s.tunnelCtx.Done():
		logging.Debug().Str("hostname", hostname).Msg("websocket tunnel canceled by shutdown")
	}

	// Closing both ends unblocks the remaining copier.
	_ = clientConn.Close()
	_ = backendConn.Close()
}
