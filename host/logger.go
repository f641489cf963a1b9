package host

import (
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/muhtutorials/abstracttun/device"
)

// NewLogrusLogger adapts l to the device logger. Verbose messages are
// logged at debug level.
func NewLogrusLogger(l logrus.FieldLogger) *device.Logger {
	return &device.Logger{
		Verbosef: l.Debugf,
		Errorf:   l.Errorf,
	}
}

// NewLogger builds the process logger from a level name and a format,
// "text" or "json".
func NewLogger(out io.Writer, level, format string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	var formatter logrus.Formatter
	switch format {
	case "", "text":
		formatter = &logrus.TextFormatter{FullTimestamp: true}
	case "json":
		formatter = &logrus.JSONFormatter{}
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return &logrus.Logger{
		Out:       out,
		Formatter: formatter,
		Hooks:     make(logrus.LevelHooks),
		Level:     lvl,
	}, nil
}

// packetFields describes an IP packet for debug logs.
func packetFields(packet []byte, v6 bool) logrus.Fields {
	first := layers.LayerTypeIPv4
	if v6 {
		first = layers.LayerTypeIPv6
	}
	p := gopacket.NewPacket(packet, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	fields := logrus.Fields{"len": len(packet)}
	if net := p.NetworkLayer(); net != nil {
		fields["flow"] = net.NetworkFlow().String()
	}
	if tr := p.TransportLayer(); tr != nil {
		fields["proto"] = tr.LayerType().String()
		fields["ports"] = tr.TransportFlow().String()
	}
	if errLayer := p.ErrorLayer(); errLayer != nil {
		fields["decode_error"] = errLayer.Error().Error()
	}
	return fields
}
