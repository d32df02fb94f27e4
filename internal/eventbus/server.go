// Package eventbus embeds a local NATS server for observability eventing
// and operator control, entirely separate from the agent-tree wire
// protocol of internal/wire. Nothing published here crosses a
// parent/child websocket link.
//
// Grounded on the teacher's internal/natsbus.Bus: an in-process
// nats-server/v2 instance, JetStream enabled, started on a goroutine and
// gated on ReadyForConnections before use.
package eventbus

import (
	"fmt"
	"net"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/hailstorm-sh/hailstorm/internal/config"
	"github.com/hailstorm-sh/hailstorm/internal/herrors"
)

// Bus is one agent process's embedded NATS server.
type Bus struct {
	server *natsserver.Server
	cfg    config.NATSConfig
}

// New starts an embedded NATS server bound to cfg. Port 0 selects a
// random free port, used by tests to avoid collisions between agents
// running on the same host.
func New(cfg config.NATSConfig) (*Bus, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, herrors.New(herrors.Config, "eventbus.New: create data dir", err)
	}

	port := cfg.Port
	if port == 0 {
		// nats-server reads 0 as its default port; RANDOM_PORT makes it
		// pick a free one.
		port = natsserver.RANDOM_PORT
	}

	opts := &natsserver.Options{
		Port:      port,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  cfg.DataDir,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, herrors.New(herrors.Config, "eventbus.New: create server", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, herrors.New(herrors.Config, "eventbus.New", fmt.Errorf("server not ready"))
	}

	return &Bus{server: ns, cfg: cfg}, nil
}

// ClientURL is the URL a Client should connect to.
func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Port is the bound listen port, resolved even when cfg.Port was 0.
func (b *Bus) Port() int {
	if addr, ok := b.server.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return b.cfg.Port
}

// Close shuts the embedded server down and waits for it to exit.
func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
