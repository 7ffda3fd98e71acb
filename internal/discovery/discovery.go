// Package discovery advertises the command listener over mDNS/DNS-SD so
// senders can find the matrix without a fixed address.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/enbility/zeroconf/v3"

	appLog "lcdmatrix/internal/log"
)

const (
	ServiceType = "_lcdmatrix._tcp"
	Domain      = "local."

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63
)

// Info is what gets advertised.
type Info struct {
	Instance string
	Port     int
	Version  string
	Displays int
}

// TXT renders the TXT records of info.
func (i Info) TXT() []string {
	txt := []string{"displays=" + strconv.Itoa(i.Displays)}
	if i.Version != "" {
		txt = append([]string{"version=" + i.Version}, txt...)
	}
	return txt
}

// registerFunc is zeroconf.Register; tests replace it.
type registerFunc func(instance, service, domain string, port int, txt []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (shutdowner, error)

type shutdowner interface{ Shutdown() }

func zeroconfRegister(instance, service, domain string, port int, txt []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (shutdowner, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces, opts...)
}

// Advertiser owns one registered service.
type Advertiser struct {
	iface    string
	ttl      uint32
	register registerFunc

	mu     sync.Mutex
	server shutdowner
}

// NewAdvertiser returns an advertiser bound to iface (empty means all
// interfaces). ttl of zero keeps the library default.
func NewAdvertiser(iface string, ttl uint32) *Advertiser {
	return &Advertiser{iface: iface, ttl: ttl, register: zeroconfRegister}
}

// getInterfaces returns nil to use all interfaces.
func (a *Advertiser) getInterfaces() []net.Interface {
	if a.iface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.iface)
	if err != nil {
		appLog.Warn("mdns interface not found, advertising on all", "interface", a.iface)
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise registers info, replacing any earlier registration.
func (a *Advertiser) Advertise(info Info) error {
	if info.Port <= 0 || info.Port > 65535 {
		return fmt.Errorf("discovery: invalid port %d", info.Port)
	}
	instance := info.Instance
	if instance == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "lcdmatrix"
		}
		instance = host
	}
	if len(instance) > MaxInstanceNameLen {
		instance = instance[:MaxInstanceNameLen]
	}

	var opts []zeroconf.ServerOption
	if a.ttl > 0 {
		opts = append(opts, zeroconf.TTL(a.ttl))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	server, err := a.register(instance, ServiceType, Domain, info.Port, info.TXT(), a.getInterfaces(), opts...)
	if err != nil {
		return fmt.Errorf("discovery: register %s: %w", instance, err)
	}
	a.server = server
	appLog.Info("mdns service registered", "instance", instance, "service", ServiceType, "port", info.Port)
	return nil
}

// Stop withdraws the registration.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		appLog.Info("mdns service withdrawn")
	}
}

// ErrNoAddress is returned when no usable IPv4 address exists.
var ErrNoAddress = errors.New("discovery: no usable IPv4 address")

// PrimaryIPv4 returns the first IPv4 address of iface, or of the first up,
// non-loopback interface when iface is empty.
func PrimaryIPv4(iface string) (string, error) {
	var ifaces []net.Interface
	if iface != "" {
		i, err := net.InterfaceByName(iface)
		if err != nil {
			return "", fmt.Errorf("discovery: interface %s: %w", iface, err)
		}
		ifaces = []net.Interface{*i}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return "", err
		}
		ifaces = all
	}

	for _, i := range ifaces {
		if i.Flags&net.FlagUp == 0 || i.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := i.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipn.IP.To4(); ip4 != nil {
				return ip4.String(), nil
			}
		}
	}
	return "", ErrNoAddress
}

// DisplayAddr turns a listen address into something worth showing: an
// unspecified host is replaced by the primary IPv4 address.
func DisplayAddr(listen, iface string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host != "" && host != "0.0.0.0" && host != "::" {
		return listen
	}
	ip, err := PrimaryIPv4(iface)
	if err != nil {
		return listen
	}
	if port == "80" {
		return ip
	}
	return net.JoinHostPort(ip, port)
}
