// Package control exposes a line-oriented TCP control protocol for a
// running engine and advertises it over DNS-SD, grounded on the
// teacher's own AGW TCP server (src/server.go) and mDNS announcement
// (src/dns_sd.go).
package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"

	"github.com/brutella/dnssd"

	"github.com/ffado/isoengine/internal/spmanager"
)

// ServiceType is the DNS-SD service type this control port advertises
// itself under.
const ServiceType = "_ffado-engine._tcp"

// Engine is the subset of the running engine the control server needs
// to answer STATUS/START/STOP/XRUNS.
type Engine interface {
	Start(callback spmanager.PeriodCallback) error
	Stop()
	XRunCount() uint64
}

// Server accepts control connections and answers one command per
// line: STATUS, START, STOP, XRUNS.
type Server struct {
	engine Engine

	mu       sync.Mutex
	listener net.Listener
	clients  map[net.Conn]struct{}
}

// New creates a Server bound to engine; it does not start listening.
func New(engine Engine) *Server {
	return &Server{engine: engine, clients: make(map[net.Conn]struct{})}
}

// Listen opens a TCP listener on port and begins accepting clients in
// a background goroutine, mirroring src/server.go's
// server_connect_listen_thread loop (one goroutine per accepted
// connection instead of a fixed client-slot array, since Go makes
// that straightforward).
func (s *Server) Listen(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("control: listen: %w", err)
	}

	if tcpListener, ok := listener.(*net.TCPListener); ok {
		if file, ferr := tcpListener.File(); ferr == nil {
			syscall.SetsockoptInt(int(file.Fd()), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			file.Close()
		}
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go s.acceptLoop(listener)

	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.clients[conn] = struct{}{}
		s.mu.Unlock()

		go s.serveClient(conn)
	}
}

func (s *Server) serveClient(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		reply := s.handle(strings.ToUpper(strings.TrimSpace(scanner.Text())))
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			return
		}
	}
}

func (s *Server) handle(cmd string) string {
	switch cmd {
	case "STATUS":
		return "OK"

	case "START":
		if err := s.engine.Start(nil); err != nil {
			return "ERR " + err.Error()
		}
		return "OK"

	case "STOP":
		s.engine.Stop()
		return "OK"

	case "XRUNS":
		return fmt.Sprintf("OK %d", s.engine.XRunCount())

	default:
		return "ERR unknown command"
	}
}

// Close stops accepting new connections and drops any open ones.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}

	for conn := range s.clients {
		conn.Close()
	}

	return nil
}

// Advertise announces this control server over DNS-SD as
// _ffado-engine._tcp, mirroring src/dns_sd.go's dns_sd_announce.
func Advertise(ctx context.Context, name string, port int) error {
	cfg := dnssd.Config{
		Name: name,
		Type: ServiceType,
		Port: port,
	}

	service, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("control: dnssd new service: %w", err)
	}

	responder, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("control: dnssd new responder: %w", err)
	}

	if _, err := responder.Add(service); err != nil {
		return fmt.Errorf("control: dnssd add: %w", err)
	}

	go responder.Respond(ctx)

	return nil
}
