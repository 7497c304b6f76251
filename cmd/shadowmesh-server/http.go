package main

import (
	"context"
	"net/http"
	"time"

	"github.com/shadowmesh/shadowmesh/pkg/logging"
	"github.com/shadowmesh/shadowmesh/pkg/statusapi"
)

// dualHTTPServer runs the statusapi hub behind a plain net/http server,
// separate from the UDP wire protocol, so an operator dashboard can watch
// a listener without ever touching the datagram socket.
type dualHTTPServer struct {
	srv *http.Server
}

func newStatusHTTPServer(addr string, hub *statusapi.Hub) *dualHTTPServer {
	mux := http.NewServeMux()
	mux.Handle("/status", hub)
	return &dualHTTPServer{srv: &http.Server{Addr: addr, Handler: mux}}
}

func (s *dualHTTPServer) run(log *logging.Logger) {
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warnf("statusapi: http server stopped: %v", err)
	}
}

func (s *dualHTTPServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.srv.Shutdown(ctx)
}
