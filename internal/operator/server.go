// Package operator — server.go
//
// Unix domain socket server for autocryptd administrative and
// verification commands.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/autocryptd/operator.sock (configurable).
// Permissions: 0600, owned by the daemon's user.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"lookup","addr":"a@x"}
//	  → Returns the stored peer state for addr, if any.
//	  → Response: {"ok":true,"addr":"a@x","prefer_encrypt":"mutual",
//	               "fingerprint":"...","verified":"no"}
//
//	{"cmd":"verify","addr":"a@x","fingerprint":"...","level":"bidirectional"}
//	  → Records an out-of-band fingerprint verification for addr.
//	  → Response: {"ok":true,"addr":"a@x","verified":"bidirectional"}
//	  → Rejected (wrong fingerprint, unknown addr, or rate-limited):
//	    {"ok":false,"error":"..."}
//
//	{"cmd":"audit","addr":"a@x"}
//	  → Re-checks the single-snapshot invariants (integrity.CheckInvariants:
//	    last_seen ordering, verified-needs-fingerprint, fingerprint matches
//	    the effective key) against the stored state for addr and reports
//	    any violations found.
//	  → Response: {"ok":true,"addr":"a@x","violations":["..."]}
//
//	{"cmd":"list"}
//	  → Returns every tracked address with a summary of its state.
//	  → Response: {"ok":true,"peers":[{"addr":"a@x","prefer_encrypt":"mutual",...},...]}
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: one 10s deadline covering the read and the write.
//   - "verify" is throttled per address by internal/ratelimit to resist
//     fingerprint brute-forcing over the socket.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/autocryptd/autocryptd/internal/integrity"
	"github.com/autocryptd/autocryptd/internal/observability"
	"github.com/autocryptd/autocryptd/internal/peerstate"
	"github.com/autocryptd/autocryptd/internal/ratelimit"
	"github.com/autocryptd/autocryptd/internal/storage"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second

	verifyRateCapacity     = 5
	verifyRateRefillPeriod = time.Minute
)

// PeerSummary is a JSON-friendly snapshot of one peer's stored state.
type PeerSummary struct {
	Addr          string `json:"addr"`
	LastSeen      int64  `json:"last_seen"`
	PreferEncrypt string `json:"prefer_encrypt"`
	Fingerprint   string `json:"fingerprint"`
	Verified      string `json:"verified"`
}

func summarize(ps peerstate.PeerState) PeerSummary {
	return PeerSummary{
		Addr:          ps.Addr,
		LastSeen:      ps.LastSeen,
		PreferEncrypt: ps.PreferEncrypt.String(),
		Fingerprint:   ps.Fingerprint,
		Verified:      ps.Verified.String(),
	}
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd         string `json:"cmd"` // lookup | verify | audit | list
	Addr        string `json:"addr,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Level       string `json:"level,omitempty"` // oneway | bidirectional
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK            bool          `json:"ok"`
	Error         string        `json:"error,omitempty"`
	Addr          string        `json:"addr,omitempty"`
	PreferEncrypt string        `json:"prefer_encrypt,omitempty"`
	Fingerprint   string        `json:"fingerprint,omitempty"`
	Verified      string        `json:"verified,omitempty"`
	Violations    []string      `json:"violations,omitempty"`
	Peers         []PeerSummary `json:"peers,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	store      *storage.Store
	log        *zap.Logger
	met        *observability.Metrics
	verifyRate *ratelimit.PerAddr
	sem        chan struct{}
}

// NewServer creates an operator Server backed by store.
func NewServer(socketPath string, store *storage.Store, log *zap.Logger, met *observability.Metrics) *Server {
	return &Server{
		socketPath: socketPath,
		store:      store,
		log:        log,
		met:        met,
		verifyRate: ratelimit.NewPerAddr(verifyRateCapacity, verifyRateRefillPeriod),
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
		s.verifyRate.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn reads one JSON request, executes the command, writes one
// JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	s.writeResponse(conn, s.dispatch(req))
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "lookup":
		return s.cmdLookup(req)
	case "verify":
		return s.cmdVerify(req)
	case "audit":
		return s.cmdAudit(req)
	case "list":
		return s.cmdList()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdLookup(req Request) Response {
	if req.Addr == "" {
		return Response{OK: false, Error: "addr required for lookup"}
	}
	ps, found, err := s.store.LoadByAddr(req.Addr)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	if !found {
		return Response{OK: false, Error: fmt.Sprintf("addr %q not tracked", req.Addr)}
	}
	sum := summarize(ps)
	return Response{OK: true, Addr: sum.Addr, PreferEncrypt: sum.PreferEncrypt, Fingerprint: sum.Fingerprint, Verified: sum.Verified}
}

func (s *Server) cmdVerify(req Request) Response {
	if req.Addr == "" || req.Fingerprint == "" {
		return Response{OK: false, Error: "addr and fingerprint required for verify"}
	}
	if !s.verifyRate.Allow(req.Addr) {
		s.met.VerifyThrottledTotal.Inc()
		return Response{OK: false, Error: "too many verify attempts for this address, try again later"}
	}

	level, err := parseVerified(req.Level)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}

	ps, found, err := s.store.LoadByAddr(req.Addr)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	if !found {
		return Response{OK: false, Error: fmt.Sprintf("addr %q not tracked", req.Addr)}
	}

	ok := ps.SetVerified(req.Fingerprint, level)
	if !ok {
		s.met.VerificationsTotal.WithLabelValues("rejected").Inc()
		return Response{OK: false, Error: "fingerprint does not match the stored peer state"}
	}
	s.met.VerificationsTotal.WithLabelValues("accepted").Inc()

	if err := s.store.Save(&ps, false); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Addr: ps.Addr, Verified: ps.Verified.String()}
}

func (s *Server) cmdAudit(req Request) Response {
	if req.Addr == "" {
		return Response{OK: false, Error: "addr required for audit"}
	}
	ps, found, err := s.store.LoadByAddr(req.Addr)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	if !found {
		return Response{OK: false, Error: fmt.Sprintf("addr %q not tracked", req.Addr)}
	}

	violations := integrity.CheckInvariants(ps)
	msgs := make([]string, len(violations))
	for i, v := range violations {
		msgs[i] = string(v.Type) + ": " + v.Message
	}
	return Response{OK: true, Addr: ps.Addr, Violations: msgs}
}

func (s *Server) cmdList() Response {
	all, err := s.store.ListAll()
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	peers := make([]PeerSummary, len(all))
	for i, ps := range all {
		peers[i] = summarize(ps)
	}
	return Response{OK: true, Peers: peers}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

func parseVerified(name string) (peerstate.Verified, error) {
	switch name {
	case "oneway":
		return peerstate.VerifiedOneway, nil
	case "bidirectional":
		return peerstate.VerifiedBidirectional, nil
	default:
		return peerstate.VerifiedNo, fmt.Errorf("unknown verification level %q (valid: oneway bidirectional)", name)
	}
}
