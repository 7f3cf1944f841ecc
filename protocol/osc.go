package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/blobserver-go/blobserver/flow"
	osc "github.com/hypebeast/go-osc/osc"
	"github.com/pkg/errors"
)

const (
	pathConnect      = "/blobserver/connect"
	pathDisconnect   = "/blobserver/disconnect"
	pathSetParameter = "/blobserver/setParameter"
	pathGetParameter = "/blobserver/getParameter"
	pathDetectors    = "/blobserver/detectors"
	pathSources      = "/blobserver/sources"
)

// ReplyPort is the fixed port every control-plane reply is sent to:
// clients receive replies on their own port 9000.
const ReplyPort = 9000

// Server binds the control-plane listener (UDP by default, TCP when asked)
// and dispatches inbound OSC messages to Handler.
type Server struct {
	handler    *Handler
	dispatcher *osc.StandardDispatcher
	logger     *log.Logger
	verbose    bool

	mu      sync.Mutex
	clients map[string]*osc.Client
}

// SetVerbose toggles logging of every inbound control-plane message before
// it's dispatched, mirroring the original server's gVerbose-gated message
// trace.
func (s *Server) SetVerbose(v bool) { s.verbose = v }

// NewServer builds a control-plane server over handler, registering every
// control-plane path it serves.
func NewServer(handler *Handler, logger *log.Logger) *Server {
	s := &Server{
		handler:    handler,
		dispatcher: osc.NewStandardDispatcher(),
		logger:     logger,
		clients:    make(map[string]*osc.Client),
	}
	s.register()
	return s
}

func (s *Server) register() {
	mustAdd := func(addr string, h osc.HandlerFunc) {
		if err := s.dispatcher.AddMsgHandler(addr, h); err != nil {
			s.logger.Fatalf("protocol: can't register handler for %s: %v", addr, err)
		}
	}
	mustAdd(pathConnect, s.handleConnect)
	mustAdd(pathDisconnect, s.handleDisconnect)
	mustAdd(pathSetParameter, s.handleSetParameter)
	mustAdd(pathGetParameter, s.handleGetParameter)
	mustAdd(pathDetectors, s.handleDetectors)
	mustAdd(pathSources, s.handleSources)
}

// ListenAndServe binds addr and serves inbound control messages until ctx
// is cancelled. tcp selects length-prefixed TCP framing instead of the
// default UDP transport.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tcp bool) error {
	if tcp {
		return s.serveTCP(ctx, addr)
	}
	return s.serveUDP(ctx, addr)
}

func (s *Server) serveUDP(ctx context.Context, addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return errors.Wrap(err, "protocol: can't bind udp control listener")
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Printf("protocol: udp read: %v", err)
			continue
		}
		packet, err := osc.ParsePacket(string(buf[:n]))
		if err != nil {
			s.logger.Printf("protocol: malformed packet: %v", err)
			continue
		}
		s.logPacket(packet)
		s.dispatcher.Dispatch(packet)
	}
}

func (s *Server) serveTCP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "protocol: can't bind tcp control listener")
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Printf("protocol: tcp accept: %v", err)
			continue
		}
		go s.serveTCPConn(ctx, conn)
	}
}

// serveTCPConn reads length-prefixed OSC packets from one TCP connection,
// matching the framing oscpack-derived implementations use: a 4-byte
// big-endian length header followed by the packet bytes.
func (s *Server) serveTCPConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.logger.Printf("protocol: tcp read length: %v", err)
			}
			return
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, size)
		if _, err := io.ReadFull(conn, payload); err != nil {
			s.logger.Printf("protocol: tcp read payload: %v", err)
			return
		}
		packet, err := osc.ParsePacket(string(payload))
		if err != nil {
			s.logger.Printf("protocol: malformed tcp packet: %v", err)
			continue
		}
		s.logPacket(packet)
		s.dispatcher.Dispatch(packet)
	}
}

// logPacket traces an inbound packet's address and arguments when verbose
// logging is enabled. It is a no-op otherwise.
func (s *Server) logPacket(packet osc.Packet) {
	if !s.verbose {
		return
	}
	if msg, ok := packet.(*osc.Message); ok {
		s.logger.Printf("protocol: recv %s %v", msg.Address, msg.Arguments)
		return
	}
	s.logger.Printf("protocol: recv bundle")
}

func (s *Server) client(ip string) *osc.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[ip]; ok {
		return c
	}
	c := osc.NewClient(ip, ReplyPort)
	s.clients[ip] = c
	return c
}

func (s *Server) reply(ip, addr string, args ...any) {
	msg := osc.NewMessage(addr)
	for _, a := range args {
		msg.Append(a)
	}
	if err := s.client(ip).Send(msg); err != nil {
		s.logger.Printf("protocol: reply to %s: %v", ip, err)
	}
}

func (s *Server) handleConnect(msg *osc.Message) {
	args := msg.Arguments
	if len(args) < 1 {
		return
	}
	ip, ok := args[0].(string)
	if !ok {
		return
	}
	if len(args) < 5 {
		s.reply(ip, pathConnect, "malformed connect: too few arguments")
		return
	}
	port, ok := asInt32(args[1])
	if !ok {
		s.reply(ip, pathConnect, "malformed connect: port must be an integer")
		return
	}
	detectorName, ok := args[2].(string)
	if !ok {
		s.reply(ip, pathConnect, "malformed connect: detector name must be a string")
		return
	}
	rest := args[3:]
	if len(rest)%2 != 0 || len(rest) == 0 {
		s.reply(ip, pathConnect, "malformed connect: sources must be (name, sub-index) pairs")
		return
	}
	specs := make([]flow.SourceSpec, 0, len(rest)/2)
	for i := 0; i < len(rest); i += 2 {
		name, ok := rest[i].(string)
		if !ok {
			s.reply(ip, pathConnect, "malformed connect: source name must be a string")
			return
		}
		idx, ok := asInt32(rest[i+1])
		if !ok {
			s.reply(ip, pathConnect, "malformed connect: sub-index must be an integer")
			return
		}
		specs = append(specs, flow.SourceSpec{Name: name, SubIndex: int(idx)})
	}

	req := ConnectRequest{
		Subscriber: flow.Endpoint{IP: ip, Port: int(port)},
		Detector:   detectorName,
		Sources:    specs,
	}
	id, err := s.handler.Connect(req)
	if err != nil {
		s.reply(ip, pathConnect, err.Error())
		return
	}
	s.reply(ip, pathConnect, "Connected", int32(id))
}

func (s *Server) handleDisconnect(msg *osc.Message) {
	args := msg.Arguments
	if len(args) < 1 {
		return
	}
	ip, ok := args[0].(string)
	if !ok {
		return
	}
	req := DisconnectRequest{IP: ip}
	if len(args) >= 2 {
		id, ok := asInt32(args[1])
		if !ok {
			s.reply(ip, pathDisconnect, "malformed disconnect: flow id must be an integer")
			return
		}
		v := uint64(id)
		req.FlowID = &v
	}
	s.handler.Disconnect(req)
	s.reply(ip, pathDisconnect, "Disconnected")
}

func (s *Server) handleSetParameter(msg *osc.Message) {
	args := msg.Arguments
	if len(args) < 1 {
		return
	}
	ip, ok := args[0].(string)
	if !ok {
		return
	}
	if len(args) < 3 {
		s.reply(ip, pathSetParameter, "malformed setParameter: too few arguments")
		return
	}
	flowID, ok := asInt32(args[1])
	if !ok {
		s.reply(ip, pathSetParameter, "malformed setParameter: flow id must be an integer")
		return
	}
	tag, ok := args[2].(string)
	if !ok {
		s.reply(ip, pathSetParameter, "malformed setParameter: missing target tag")
		return
	}

	req := SetParameterRequest{FlowID: uint64(flowID)}
	switch tag {
	case "Start":
		req.Target = TargetStart
	case "Stop":
		req.Target = TargetStop
	case "Detector":
		if len(args) < 5 {
			s.reply(ip, pathSetParameter, "malformed setParameter: Detector needs a name and a value")
			return
		}
		name, ok := args[3].(string)
		if !ok {
			s.reply(ip, pathSetParameter, "malformed setParameter: parameter name must be a string")
			return
		}
		req.Target = TargetDetector
		req.Name = name
		req.Value = args[4]
	case "Source":
		if len(args) < 6 {
			s.reply(ip, pathSetParameter, "malformed setParameter: Source needs an index, a name and a value")
			return
		}
		idx, ok := asInt32(args[3])
		if !ok {
			s.reply(ip, pathSetParameter, "malformed setParameter: source index must be an integer")
			return
		}
		name, ok := args[4].(string)
		if !ok {
			s.reply(ip, pathSetParameter, "malformed setParameter: parameter name must be a string")
			return
		}
		req.Target = TargetSource
		req.SourceIdx = int(idx)
		req.Name = name
		req.Value = args[5]
	default:
		s.reply(ip, pathSetParameter, fmt.Sprintf("malformed setParameter: unrecognized target %q", tag))
		return
	}

	if err := s.handler.SetParameter(req); err != nil {
		s.reply(ip, pathSetParameter, err.Error())
		return
	}
	s.reply(ip, pathSetParameter, "OK")
}

func (s *Server) handleGetParameter(msg *osc.Message) {
	args := msg.Arguments
	if len(args) < 1 {
		return
	}
	ip, ok := args[0].(string)
	if !ok {
		return
	}
	if len(args) < 4 {
		s.reply(ip, pathGetParameter, "malformed getParameter: too few arguments")
		return
	}
	flowID, ok := asInt32(args[1])
	if !ok {
		s.reply(ip, pathGetParameter, "malformed getParameter: flow id must be an integer")
		return
	}
	tag, ok := args[2].(string)
	if !ok {
		s.reply(ip, pathGetParameter, "malformed getParameter: missing target tag")
		return
	}

	req := GetParameterRequest{FlowID: uint64(flowID)}
	switch tag {
	case "Detector":
		name, ok := args[3].(string)
		if !ok {
			s.reply(ip, pathGetParameter, "malformed getParameter: parameter name must be a string")
			return
		}
		req.Target = TargetDetector
		req.Name = name
	case "Sources":
		rest := args[3:]
		switch len(rest) {
		case 1:
			name, ok := rest[0].(string)
			if !ok {
				s.reply(ip, pathGetParameter, "malformed getParameter: parameter name must be a string")
				return
			}
			req.Target = TargetSource
			req.Name = name
		case 2:
			idx, ok := asInt32(rest[0])
			name, ok2 := rest[1].(string)
			if !ok || !ok2 {
				s.reply(ip, pathGetParameter, "malformed getParameter: expected (src-idx, name)")
				return
			}
			req.Target = TargetSource
			req.SourceIdx = int(idx)
			req.Name = name
		default:
			s.reply(ip, pathGetParameter, "malformed getParameter: unexpected argument count")
			return
		}
	default:
		s.reply(ip, pathGetParameter, fmt.Sprintf("malformed getParameter: unrecognized target %q", tag))
		return
	}

	value, err := s.handler.GetParameter(req)
	if err != nil {
		s.reply(ip, pathGetParameter, err.Error())
		return
	}
	s.reply(ip, pathGetParameter, req.Name, value)
}

func (s *Server) handleDetectors(msg *osc.Message) {
	args := msg.Arguments
	if len(args) < 1 {
		return
	}
	ip, ok := args[0].(string)
	if !ok {
		return
	}
	keys := s.handler.Detectors()
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	s.reply(ip, pathDetectors, out...)
}

func (s *Server) handleSources(msg *osc.Message) {
	args := msg.Arguments
	if len(args) < 1 {
		return
	}
	ip, ok := args[0].(string)
	if !ok {
		return
	}
	name := ""
	if len(args) >= 2 {
		n, ok := args[1].(string)
		if !ok {
			s.reply(ip, pathSources, "malformed sources: class name must be a string")
			return
		}
		name = n
	}
	keys, err := s.handler.Sources(name)
	if err != nil {
		s.reply(ip, pathSources, err.Error())
		return
	}
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	s.reply(ip, pathSources, out...)
}

func asInt32(v any) (int32, bool) {
	switch n := v.(type) {
	case int32:
		return n, true
	case int64:
		return int32(n), true
	case int:
		return int32(n), true
	case float32:
		return int32(n), true
	case float64:
		return int32(n), true
	default:
		return 0, false
	}
}
