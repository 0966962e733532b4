package adb

import (
	"context"
	"fmt"
	"io"
	"strings"

	goadb "github.com/pgaskin/go-adb/adb"
	"github.com/pgaskin/go-adb/adb/adbhost"
)

// Attached is a device as reported by the ADB host server.
type Attached struct {
	Serial  string
	State   string
	Model   string
	Product string
	Online  bool
}

// Host lists devices known to an ADB server and reads their properties.
type Host interface {
	Devices(ctx context.Context) ([]Attached, error)
	Property(ctx context.Context, serial, name string) (string, error)
}

// ServerHost talks to an adb server over TCP.
type ServerHost struct {
	dialer *adbhost.Dialer
}

// NewServerHost returns a Host for the adb server at addr (host:port).
func NewServerHost(addr string) *ServerHost {
	return &ServerHost{dialer: &adbhost.Dialer{Addr: addr}}
}

// Devices implements Host using host:devices-l.
func (h *ServerHost) Devices(ctx context.Context) ([]Attached, error) {
	infos, err := adbhost.Devices(ctx, h.dialer, true)
	if err != nil {
		return nil, fmt.Errorf("list adb devices: %w", err)
	}
	out := make([]Attached, 0, len(infos))
	for _, info := range infos {
		out = append(out, Attached{
			Serial:  info.Serial,
			State:   info.State.String(),
			Model:   info.Model,
			Product: info.Product,
			Online:  info.State == adbhost.CsDevice,
		})
	}
	return out, nil
}

// Property runs getprop on the device.
func (h *ServerHost) Property(ctx context.Context, serial, name string) (string, error) {
	conn, err := goadb.Exec(ctx, adbhost.Server(h.dialer, adbhost.Serial(serial)), "getprop "+name)
	if err != nil {
		return "", fmt.Errorf("getprop %s on %s: %w", name, serial, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf, err := io.ReadAll(io.LimitReader(conn, 4096))
	if err != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return "", fmt.Errorf("getprop %s on %s: %w", name, serial, err)
	}
	return strings.TrimSpace(string(buf)), nil
}
