package server

import (
	"fmt"
	"net"
	"time"

	"github.com/shadowmesh/shadowmesh/pkg/codec"
	"github.com/shadowmesh/shadowmesh/pkg/endpoint"
	"github.com/shadowmesh/shadowmesh/pkg/event"
	"github.com/shadowmesh/shadowmesh/pkg/wire"
)

// Server ties the key controller and connection table together into the
// request/response pair the dispatch core's handler table calls into.
type Server struct {
	Controller *Controller
	Table      *Table
}

// NewServer initializes a server controller with key and a connection
// table capped at maxConnections (0 means unbounded).
func NewServer(key wire.RSAKey, maxConnections int) (*Server, error) {
	c := NewController()
	if err := c.Initialize(key); err != nil {
		return nil, err
	}
	return &Server{Controller: c, Table: NewTable(maxConnections)}, nil
}

// SetReplayCache installs a cluster-shared ReplayCache on the underlying
// connection table (see Table.SetReplayCache).
func (s *Server) SetReplayCache(rc ReplayCache) {
	s.Table.SetReplayCache(rc)
}

// HandleConnect decodes an inbound CONNECT request, admits or rejects it
// based on table capacity, and returns the CONNECT acknowledgement to send
// back. ev is non-nil and reports ConnectionCreated on success or
// ConnectFailed on rejection.
func (s *Server) HandleConnect(buf []byte, from *net.UDPAddr) (ack []byte, ev *event.Event, err error) {
	req, err := codec.DecodeConnect(s.Controller.GetServerKey(), buf)
	if err != nil {
		return nil, nil, fmt.Errorf("server: handle connect: %w", err)
	}

	ep, err := endpoint.FromUDPAddr(from)
	if err != nil {
		return nil, nil, fmt.Errorf("server: handle connect: %w", err)
	}

	// Record the challenge in the shared replay cache regardless of
	// whether it was already seen -- see Table.NoteChallenge.
	_, _ = s.Table.NoteChallenge(req.Challenge)

	rec := &Record{
		Endpoint:        ep,
		ClientKey:       req.ClientPublic,
		UniqueServerKey: s.Controller.GetServerKey(),
		SharedKey:       req.SharedKey,
		HMACKey:         req.HMACKey,
	}
	rec.Touch(time.Now())

	id, insertErr := s.Table.Insert(rec)
	if insertErr != nil {
		block := codec.SecureBlock{PacketUID: req.PacketUID, ConnectionID: 0, Status: codec.AckRejected}
		ack, encErr := codec.EncodeConnectAck(req.ClientPublic, block)
		if encErr != nil {
			return nil, nil, fmt.Errorf("server: handle connect: %w", encErr)
		}
		ev := &event.Event{Kind: event.ConnectFailed, Reason: event.ReasonServerFull}
		return ack, ev, nil
	}

	if err := rec.DeriveSession(); err != nil {
		return nil, nil, fmt.Errorf("server: handle connect: %w", err)
	}

	block := codec.SecureBlock{PacketUID: req.PacketUID, ConnectionID: uint16(id), Status: codec.AckOK}
	ack, err = codec.EncodeConnectAck(req.ClientPublic, block)
	if err != nil {
		return nil, nil, fmt.Errorf("server: handle connect: %w", err)
	}
	ev = &event.Event{Kind: event.ConnectionCreated, ConnectionID: id}
	return ack, ev, nil
}

// HandleHeartbeat decodes an inbound HEARTBEAT, refreshes the connection's
// liveness timestamp, rotates in the next nonce pair, and returns the
// acknowledgement to send back. ev reports HeartbeatReceived.
func (s *Server) HandleHeartbeat(buf []byte) (ack []byte, ev *event.Event, err error) {
	header, connErr := codec.DecodeConnectedHeader(buf)
	if connErr != nil {
		return nil, nil, fmt.Errorf("server: handle heartbeat: %w", connErr)
	}
	rec, ok := s.Table.Find(uint32(header.ConnectionID))
	if !ok {
		return nil, nil, fmt.Errorf("server: handle heartbeat: unknown connection %d", header.ConnectionID)
	}

	hb, err := codec.DecodeHeartbeat(rec.UniqueServerKey, buf)
	if err != nil {
		return nil, nil, fmt.Errorf("server: handle heartbeat: %w", err)
	}

	rec.Touch(time.Now())

	nextServerNonce, err := wire.RandomBytes(codec.HeartbeatMessageSize)
	if err != nil {
		return nil, nil, fmt.Errorf("server: handle heartbeat: %w", err)
	}
	var serverNonce [codec.HeartbeatMessageSize]byte
	copy(serverNonce[:], nextServerNonce)
	rec.SetNonce(hb.Pair.ClientNonce, serverNonce)

	ackPair := codec.HeartbeatPair{ClientNonce: hb.Pair.ClientNonce, ServerNonce: serverNonce}
	ack, err = codec.EncodeHeartbeatAck(rec.ClientKey, ackPair, hb.Header.PacketUID)
	if err != nil {
		return nil, nil, fmt.Errorf("server: handle heartbeat: %w", err)
	}

	ev = &event.Event{Kind: event.HeartbeatReceived, ConnectionID: uint32(header.ConnectionID), Nonce: hb.Pair.ClientNonce}
	return ack, ev, nil
}

// HandleMessage decodes an inbound MESSAGE packet and returns its decrypted
// payload along with the originating connection's record. ev reports
// DataReceivedRequest, the taxonomy's generic "payload arrived" kind --
// this transport does not distinguish the original engine's RPC-style
// message subcategories.
func (s *Server) HandleMessage(buf []byte) (payload []byte, connID uint32, ev *event.Event, err error) {
	header, err := codec.DecodeConnectedHeader(buf)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("server: handle message: %w", err)
	}
	rec, ok := s.Table.Find(uint32(header.ConnectionID))
	if !ok {
		return nil, 0, nil, fmt.Errorf("server: handle message: unknown connection %d", header.ConnectionID)
	}
	msg, err := codec.DecodeMessage(rec.GetSession(), buf)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("server: handle message: %w", err)
	}
	rec.Touch(time.Now())
	ev = &event.Event{Kind: event.DataReceivedRequest, ConnectionID: uint32(header.ConnectionID), Data: msg.Payload}
	return msg.Payload, uint32(header.ConnectionID), ev, nil
}

// Reclaim runs the liveness sweep and returns ConnectionTerminated events
// for every connection it removes.
func (s *Server) Reclaim(timeout time.Duration) []*event.Event {
	ids := s.Table.Sweep(time.Now(), timeout)
	events := make([]*event.Event, 0, len(ids))
	for _, id := range ids {
		events = append(events, &event.Event{Kind: event.ConnectionTerminated, ConnectionID: id, Reason: event.ReasonTimedOut})
	}
	return events
}
