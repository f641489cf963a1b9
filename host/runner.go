// Package host runs a device against a real UDP socket and TUN interface.
//
// The engine owns no goroutines. A Runner reads the socket and the
// interface on their own goroutines and funnels everything, ticks
// included, through one loop goroutine, so the device is only ever
// entered from that loop.
package host

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/muhtutorials/abstracttun/conn"
	"github.com/muhtutorials/abstracttun/device"
	"github.com/muhtutorials/abstracttun/ratelimiter"
	"github.com/muhtutorials/abstracttun/tun"
)

const (
	DefaultTickInterval = 250 * time.Millisecond
	inboundQueueSize    = 1024
)

// Config wires a Runner.
type Config struct {
	// Params configures the engine. The Host field is replaced by the Runner.
	Params device.Params
	Bind   conn.Bind
	// Zero picks a random port.
	ListenPort uint16
	TUN        tun.Device
	// Assigned to the TUN interface before it is brought up. The device
	// must implement tun.Configurer when this is not empty.
	Addresses []netip.Prefix
	// Defaults to DefaultTickInterval.
	TickInterval time.Duration
	// Defaults to the logrus standard logger.
	Logger *logrus.Logger
}

type source uint8

const (
	sourceUDP source = iota
	sourceTUN
)

type inbound struct {
	source source
	buf    *buffer
	n      int
	from   netip.AddrPort
}

// Runner implements device.Host for the device it creates.
type Runner struct {
	dev        *device.Device
	bind       conn.Bind
	tun        tun.Device
	listenPort uint16
	addresses  []netip.Prefix
	tick       time.Duration
	log        *logrus.Entry
	debug      bool

	limiter ratelimiter.Ratelimiter
	pool    *WaitPool
	inbound chan inbound
	running atomic.Bool
	port    atomic.Uint32

	// only touched from the loop goroutine, through the device
	sendBufs [][]byte
	tunBufs  [][]byte
}

var _ device.Host = (*Runner)(nil)

func New(cfg Config) (*Runner, error) {
	if cfg.Bind == nil {
		return nil, errors.New("host: bind is required")
	}
	if cfg.TUN == nil {
		return nil, errors.New("host: TUN device is required")
	}
	if len(cfg.Addresses) > 0 {
		if _, ok := cfg.TUN.(tun.Configurer); !ok {
			return nil, errors.New("host: TUN device cannot be assigned addresses")
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Runner{
		bind:       cfg.Bind,
		tun:        cfg.TUN,
		listenPort: cfg.ListenPort,
		addresses:  cfg.Addresses,
		tick:       cfg.TickInterval,
		log:        logger.WithField("component", "host"),
		debug:      logger.IsLevelEnabled(logrus.DebugLevel),
		pool:       newBufferPool(0),
		inbound:    make(chan inbound, inboundQueueSize),
		sendBufs:   make([][]byte, 1),
		tunBufs:    make([][]byte, 1),
	}
	if r.tick <= 0 {
		r.tick = DefaultTickInterval
	}
	params := cfg.Params
	params.Host = r
	if params.Logger == nil {
		params.Logger = NewLogrusLogger(logger.WithField("component", "device"))
	}
	dev, err := device.NewDevice(params)
	if err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	r.dev = dev
	return r, nil
}

// Device returns the engine driven by the Runner.
func (r *Runner) Device() *device.Device {
	return r.dev
}

// LocalPort reports the UDP port in use, or zero before Run.
func (r *Runner) LocalPort() uint16 {
	return uint16(r.port.Load())
}

// Run drives the device until ctx is done or a reader fails. It closes
// the bind, the TUN device and the engine before returning. A Runner can
// only be run once.
func (r *Runner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("host: runner already started")
	}
	defer r.dev.Close()

	if err := r.configureTUN(); err != nil {
		r.tun.Close()
		return err
	}
	fns, port, err := r.bind.Open(r.listenPort)
	if err != nil {
		r.tun.Close()
		return fmt.Errorf("host: open UDP bind: %w", err)
	}
	r.port.Store(uint32(port))
	r.log.WithFields(logrus.Fields{
		"port":       port,
		"public_key": r.dev.PublicKey().String(),
	}).Info("Interface up")

	r.limiter.Init(nil)
	defer r.limiter.Close()

	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error {
			return r.readUDP(gctx, fn)
		})
	}
	g.Go(func() error {
		return r.readTUN(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		// unblock the readers
		r.bind.Close()
		r.tun.Close()
		return nil
	})
	g.Go(func() error {
		return r.loop(gctx)
	})
	err = g.Wait()
	r.log.WithField("stats", fmt.Sprintf("%+v", r.dev.Stats())).Info("Interface down")
	return err
}

func (r *Runner) configureTUN() error {
	if len(r.addresses) == 0 {
		return nil
	}
	cfg := r.tun.(tun.Configurer)
	for _, prefix := range r.addresses {
		if err := cfg.AddAddress(prefix); err != nil {
			return fmt.Errorf("host: add address %v: %w", prefix, err)
		}
	}
	if err := cfg.SetUp(); err != nil {
		return fmt.Errorf("host: %w", err)
	}
	return nil
}

func (r *Runner) loop(ctx context.Context) error {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	events := r.tun.Events()

	// start the first handshake without waiting for a tick
	r.dev.HandleTimerEvent()
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-r.inbound:
			r.dispatch(in)
		case <-ticker.C:
			r.dev.HandleTimerEvent()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.log.WithField("event", ev).Debug("TUN event")
		}
	}
}

func isInitiation(packet []byte) bool {
	return len(packet) == device.MessageInitiationSize &&
		binary.LittleEndian.Uint32(packet) == device.MessageInitiationType
}

func (r *Runner) dispatch(in inbound) {
	defer r.pool.Put(in.buf)
	packet := in.buf[:in.n]
	switch in.source {
	case sourceUDP:
		if isInitiation(packet) && !r.limiter.Allow(in.from.Addr()) {
			r.log.WithField("from", in.from).Debug("Rate limited handshake initiation")
			return
		}
		r.dev.HandleTunnelTraffic(packet)
	case sourceTUN:
		if r.debug {
			r.log.WithFields(packetFields(packet, len(packet) > 0 && packet[0]>>4 == 6)).Debug("Sending packet")
		}
		r.dev.HandleHostTraffic(packet)
	}
}

func (r *Runner) enqueue(ctx context.Context, in inbound) bool {
	select {
	case r.inbound <- in:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Runner) readUDP(ctx context.Context, fn conn.ReceiveFunc) error {
	batch := r.bind.BatchSize()
	bufs := make([]*buffer, batch)
	views := make([][]byte, batch)
	sizes := make([]int, batch)
	eps := make([]netip.AddrPort, batch)
	for i := range bufs {
		bufs[i] = r.pool.Get().(*buffer)
		views[i] = bufs[i][:]
	}
	defer func() {
		for _, buf := range bufs {
			r.pool.Put(buf)
		}
	}()
	for {
		n, err := fn(views, sizes, eps)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("host: receive UDP: %w", err)
		}
		for i := 0; i < n; i++ {
			if sizes[i] == 0 {
				continue
			}
			if !r.enqueue(ctx, inbound{source: sourceUDP, buf: bufs[i], n: sizes[i], from: eps[i]}) {
				return nil
			}
			bufs[i] = r.pool.Get().(*buffer)
			views[i] = bufs[i][:]
		}
	}
}

func (r *Runner) readTUN(ctx context.Context) error {
	batch := r.tun.BatchSize()
	bufs := make([]*buffer, batch)
	views := make([][]byte, batch)
	sizes := make([]int, batch)
	for i := range bufs {
		bufs[i] = r.pool.Get().(*buffer)
		views[i] = bufs[i][:]
	}
	defer func() {
		for _, buf := range bufs {
			r.pool.Put(buf)
		}
	}()
	for {
		n, err := r.tun.Read(views, sizes, 0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("host: read TUN: %w", err)
		}
		for i := 0; i < n; i++ {
			if sizes[i] == 0 {
				continue
			}
			if !r.enqueue(ctx, inbound{source: sourceTUN, buf: bufs[i], n: sizes[i]}) {
				return nil
			}
			bufs[i] = r.pool.Get().(*buffer)
			views[i] = bufs[i][:]
		}
	}
}

// SendUDPv4 is called by the device.
func (r *Runner) SendUDPv4(addr [4]byte, port uint16, packet []byte) {
	r.sendUDP(netip.AddrPortFrom(netip.AddrFrom4(addr), port), packet)
}

// SendUDPv6 is called by the device.
func (r *Runner) SendUDPv6(addr [16]byte, port uint16, packet []byte) {
	r.sendUDP(netip.AddrPortFrom(netip.AddrFrom16(addr), port), packet)
}

func (r *Runner) sendUDP(ep netip.AddrPort, packet []byte) {
	r.sendBufs[0] = packet
	err := r.bind.Send(r.sendBufs, ep)
	r.sendBufs[0] = nil
	if err != nil {
		r.log.WithError(err).WithField("endpoint", ep).Debug("Failed to send datagram")
	}
}

// DeliverTunV4 is called by the device.
func (r *Runner) DeliverTunV4(packet []byte) {
	r.writeTUN(packet, false)
}

// DeliverTunV6 is called by the device.
func (r *Runner) DeliverTunV6(packet []byte) {
	r.writeTUN(packet, true)
}

func (r *Runner) writeTUN(packet []byte, v6 bool) {
	if r.debug {
		r.log.WithFields(packetFields(packet, v6)).Debug("Received packet")
	}
	r.tunBufs[0] = packet
	_, err := r.tun.Write(r.tunBufs, 0)
	r.tunBufs[0] = nil
	if err != nil {
		r.log.WithError(err).Error("Failed to write packet to TUN device")
	}
}
