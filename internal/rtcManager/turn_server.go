package rtcManager

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/pion/turn/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/giantstar-manager/warudo-cam/internal/config"
)

// TURNServer is a small relay used to force sessions onto relay candidates.
type TURNServer struct {
	cfg    config.TURN
	logger *zap.Logger

	mu        sync.RWMutex
	server    *turn.Server
	cancel    context.CancelFunc
	done      chan struct{}
	isRunning bool
	startTime time.Time
}

type TURNStats struct {
	ActiveAllocations int
	Uptime            time.Duration
	CurrentState      string
}

func NewTURNServer(cfg config.TURN, logger *zap.Logger) *TURNServer {
	if logger == nil {
		logger = zap.L().Named("turn")
	}
	return &TURNServer{cfg: cfg, logger: logger}
}

func (t *TURNServer) build(ctx context.Context) (*turn.Server, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("0.0.0.0:%d", t.cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to parse server address: %w", err)
	}

	usersMap := map[string][]byte{}
	for user, pass := range t.cfg.Credentials() {
		usersMap[user] = turn.GenerateAuthKey(user, t.cfg.Realm, pass)
	}

	// Listeners share one address:port through SO_REUSEPORT and the kernel
	// balances packets across them by 5-tuple.
	listenerConfig := &net.ListenConfig{
		Control: func(network, address string, conn syscall.RawConn) error {
			var operr error
			if err := conn.Control(func(fd uintptr) {
				operr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return operr
		},
	}

	relayAddressGenerator := &turn.RelayAddressGeneratorStatic{
		RelayAddress: net.ParseIP(t.cfg.PublicIP),
		Address:      "0.0.0.0",
	}
	if err := relayAddressGenerator.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay address generator: %w", err)
	}

	threads := t.cfg.Threads
	if threads <= 0 {
		threads = 1
	}
	packetConnConfigs := make([]turn.PacketConnConfig, 0, threads)
	for i := 0; i < threads; i++ {
		conn, err := listenerConfig.ListenPacket(ctx, addr.Network(), addr.String())
		if err != nil {
			for _, c := range packetConnConfigs {
				_ = c.PacketConn.Close()
			}
			return nil, fmt.Errorf("failed to allocate UDP listener at %s: %w", addr, err)
		}
		packetConnConfigs = append(packetConnConfigs, turn.PacketConnConfig{
			PacketConn:            conn,
			RelayAddressGenerator: relayAddressGenerator,
		})
		t.logger.Debug("TURN listener ready", zap.Int("listener", i), zap.String("addr", conn.LocalAddr().String()))
	}

	s, err := turn.NewServer(turn.ServerConfig{
		Realm: t.cfg.Realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			key, ok := usersMap[username]
			if !ok {
				t.logger.Warn("TURN auth rejected", zap.String("username", username), zap.Stringer("src", srcAddr))
			}
			return key, ok
		},
		PacketConnConfigs: packetConnConfigs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TURN server: %w", err)
	}
	return s, nil
}

func (t *TURNServer) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isRunning {
		return fmt.Errorf("TURN server is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s, err := t.build(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to initialize TURN server: %w", err)
	}

	t.server = s
	t.cancel = cancel
	t.done = make(chan struct{})
	t.startTime = time.Now()
	t.isRunning = true

	go func(done chan struct{}) {
		defer close(done)
		t.serve(runCtx)
	}(t.done)

	t.logger.Info("TURN server started", zap.Int("port", t.cfg.Port), zap.String("realm", t.cfg.Realm))
	return nil
}

func (t *TURNServer) Stop() error {
	t.mu.Lock()
	if !t.isRunning {
		t.mu.Unlock()
		return nil
	}
	t.isRunning = false
	t.cancel()
	server, done := t.server, t.done
	t.mu.Unlock()

	if err := server.Close(); err != nil {
		return fmt.Errorf("failed to close TURN server: %w", err)
	}

	select {
	case <-done:
		t.logger.Info("TURN server stopped")
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout waiting for TURN server to stop")
	}
	return nil
}

func (t *TURNServer) serve(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("recovered from panic in TURN server",
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()

	healthCheck := time.NewTicker(30 * time.Second)
	defer healthCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-healthCheck.C:
			stats := t.Stats()
			t.logger.Debug("TURN server health",
				zap.Int("allocations", stats.ActiveAllocations),
				zap.Duration("uptime", stats.Uptime))
		}
	}
}

func (t *TURNServer) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isRunning
}

// ICEServer returns the configuration peers need to use this relay. Only the
// first configured user is advertised.
func (t *TURNServer) ICEServer() config.ICEServer {
	server := config.ICEServer{
		URLs: []string{fmt.Sprintf("turn:%s:%d?transport=udp", t.cfg.PublicIP, t.cfg.Port)},
	}
	for user, pass := range t.cfg.Credentials() {
		if server.Username == "" || user < server.Username {
			server.Username, server.Credential = user, pass
		}
	}
	return server
}

func (t *TURNServer) Stats() TURNStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := TURNStats{CurrentState: "stopped"}
	if t.server == nil {
		stats.CurrentState = "uninitialized"
		return stats
	}
	if t.isRunning {
		stats.Uptime = time.Since(t.startTime)
		stats.ActiveAllocations = t.server.AllocationCount()
		stats.CurrentState = "idle"
		if stats.ActiveAllocations > 0 {
			stats.CurrentState = "active"
		}
	}
	return stats
}
