// Package metrics exports device counters to prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/muhtutorials/abstracttun/device"
)

const namespace = "abstracttun"

// Source is read on every scrape. *device.Device satisfies it.
type Source interface {
	Stats() device.Stats
	Status() device.Status
}

type counter struct {
	desc  *prometheus.Desc
	value func(*device.Stats) uint64
}

func newCounter(name, help string, value func(*device.Stats) uint64) counter {
	return counter{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
		value: value,
	}
}

// Collector snapshots a Source each time it is collected, so the engine
// never has to know about prometheus.
type Collector struct {
	src      Source
	counters []counter
	drops    *prometheus.Desc
	status   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(src Source) *Collector {
	return &Collector{
		src: src,
		counters: []counter{
			newCounter("tx_datagrams_total", "Datagrams handed to the UDP socket",
				func(s *device.Stats) uint64 { return s.TxDatagrams }),
			newCounter("tx_bytes_total", "Bytes handed to the UDP socket",
				func(s *device.Stats) uint64 { return s.TxBytes }),
			newCounter("rx_datagrams_total", "Authenticated datagrams received",
				func(s *device.Stats) uint64 { return s.RxDatagrams }),
			newCounter("rx_bytes_total", "Bytes of authenticated datagrams received",
				func(s *device.Stats) uint64 { return s.RxBytes }),
			newCounter("tun_packets_total", "Decrypted packets delivered to the TUN interface",
				func(s *device.Stats) uint64 { return s.TunPackets }),
			newCounter("tun_bytes_total", "Bytes delivered to the TUN interface",
				func(s *device.Stats) uint64 { return s.TunBytes }),
			newCounter("handshake_initiations_sent_total", "Handshake initiations sent",
				func(s *device.Stats) uint64 { return s.InitiationsSent }),
			newCounter("handshake_responses_sent_total", "Handshake responses sent",
				func(s *device.Stats) uint64 { return s.ResponsesSent }),
			newCounter("handshakes_completed_total", "Handshakes that produced a session",
				func(s *device.Stats) uint64 { return s.HandshakesCompleted }),
			newCounter("handshake_failures_total", "Handshakes abandoned after the retry limit",
				func(s *device.Stats) uint64 { return s.HandshakeFailures }),
			newCounter("keepalives_sent_total", "Keepalives sent",
				func(s *device.Stats) uint64 { return s.KeepalivesSent }),
			newCounter("keepalives_received_total", "Keepalives received",
				func(s *device.Stats) uint64 { return s.KeepalivesReceived }),
			newCounter("cookie_replies_accepted_total", "Cookie replies accepted",
				func(s *device.Stats) uint64 { return s.CookieRepliesAccepted }),
		},
		drops: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "dropped_total"),
			"Inputs discarded by the engine",
			[]string{"reason"}, nil,
		),
		status: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "peer_status"),
			"Connection status of the peer, 1 for the current status",
			[]string{"status"}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.counters {
		ch <- m.desc
	}
	ch <- c.drops
	ch <- c.status
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.src.Stats()
	for _, m := range c.counters {
		ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, float64(m.value(&stats)))
	}
	for _, reason := range device.DropReasons() {
		ch <- prometheus.MustNewConstMetric(c.drops, prometheus.CounterValue,
			float64(stats.Dropped(reason)), reason.String())
	}
	current := c.src.Status()
	for _, status := range statuses {
		var v float64
		if status == current {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.status, prometheus.GaugeValue, v, status.String())
	}
}

var statuses = []device.Status{
	device.StatusIdle,
	device.StatusInitiationSent,
	device.StatusInitiationReceived,
	device.StatusPendingTraffic,
	device.StatusEstablished,
	device.StatusFailed,
}

// Handler serves the metrics of src on a private registry.
func Handler(src Source) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(src)); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, src Source, log logrus.FieldLogger) error {
	h, err := Handler(src)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.WithField("addr", ln.Addr().String()).Info("Serving metrics")
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
