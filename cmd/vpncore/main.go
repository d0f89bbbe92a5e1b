// Command vpncore is the process entry point of spec.md §1: it opens the
// TUN device, constructs the userspace IPv4/TCP/UDP stack of internal/stack,
// accepts local Shadowsocks client connections, and relays them to a remote
// Shadowsocks server, per spec.md's "mobile VPN client" overview.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/fqnews/vpncore/internal/config"
	"github.com/fqnews/vpncore/internal/iface"
	"github.com/fqnews/vpncore/internal/pbuf"
	"github.com/fqnews/vpncore/internal/shadowsocks"
	"github.com/fqnews/vpncore/internal/sockopt"
	"github.com/fqnews/vpncore/internal/socksaddr"
	"github.com/fqnews/vpncore/internal/stack"
	"github.com/fqnews/vpncore/internal/tuntap"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	promPort = flag.String("prom", ":9090", "Prometheus metrics export address and port.")

	remoteAddrs = flag.String("server", "", "Comma-separated Shadowsocks server host[:port] list")
	remotePort  = flag.Int("server-port", 8388, "Default Shadowsocks server port")
	localAddr   = flag.String("local-addr", "127.0.0.1", "Local accept address")
	localPort   = flag.Int("local-port", 1080, "Local accept port")
	password    = flag.String("password", "", "Shadowsocks password")
	method      = flag.String("method", "chacha20-ietf-poly1305", "Shadowsocks AEAD method")
	timeout     = flag.Duration("timeout", 60*time.Second, "Idle timeout")
	tunnelAddr  = flag.String("tunnel-addr", "", "Static destination host:port for tunnel mode; empty uses the kernel's SO_ORIGINAL_DST for redirected-TCP mode")
	tunName     = flag.String("tun-name", "", "TUN interface name; empty lets the kernel pick one")
	tunMTU      = flag.Int("tun-mtu", 1500, "TUN interface MTU")
	ipv6First   = flag.Bool("ipv6-first", false, "Prefer AAAA over A when resolving the relay hostname")
	fastOpen    = flag.Bool("fast-open", false, "Enable TCP Fast Open when dialing the relay")
	mptcp       = flag.Bool("mptcp", false, "Attempt Multipath TCP when dialing the relay")

	ctx, cancel = context.WithCancel(context.Background())
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	cfg := config.Default()
	if *remoteAddrs != "" {
		cfg.RemoteAddrs = strings.Split(*remoteAddrs, ",")
	}
	cfg.RemotePort = *remotePort
	cfg.LocalAddr = *localAddr
	cfg.LocalPort = *localPort
	cfg.Password = *password
	cfg.Method = *method
	cfg.Timeout = *timeout
	cfg.TunnelAddress = *tunnelAddr
	cfg.MTU = *tunMTU
	cfg.IPv6First = *ipv6First
	cfg.FastOpen = *fastOpen
	cfg.MultipathTCP = *mptcp
	rtx.Must(cfg.Validate(), "invalid configuration")

	// The userspace IPv4/TCP/UDP stack owns the TUN-routed side of the
	// device's traffic (spec.md §4.2-§4.7); it runs independently of the
	// Shadowsocks local accept path below, which serves ordinary local
	// sockets (local-proxy mode) or the platform's redirected-TCP hook.
	coreStack := stack.New()
	if tun, err := tuntap.Open(*tunName); err != nil {
		log.Printf("vpncore: TUN device unavailable, running without the transit IP stack: %v", err)
	} else {
		defer tun.Close()
		vpnIf := &iface.Iface{
			Name:  tun.Name(),
			Flags: iface.FlagUp | iface.FlagLinkUp,
			MTU:   cfg.MTU,
			LinkOutput: func(b *pbuf.Buf, nextHop net.IP) error {
				_, err := tun.Write(b.Data())
				pbuf.Free(b)
				return err
			},
		}
		coreStack.AddInterface(vpnIf)
		coreStack.Ifaces.SetDefault(vpnIf)
		runTunPump(coreStack, tun, vpnIf, cfg.MTU)
	}
	go runTickLoop(coreStack)

	mgr := shadowsocks.NewManager(cfg, destinationFunc(cfg))
	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.LocalAddr, strconv.Itoa(cfg.LocalPort)))
	rtx.Must(err, "could not listen on %s:%d", cfg.LocalAddr, cfg.LocalPort)
	defer ln.Close()

	go func() {
		if err := mgr.Serve(ctx, ln); err != nil {
			log.Printf("vpncore: shadowsocks accept loop stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Print("vpncore: shutting down")
	cancel()
	mgr.CloseAll()
}

// destinationFunc picks the local accept path's destination source per
// spec.md §4.8.1 step 2: a statically configured tunnel target when one is
// set, otherwise the platform's redirected-TCP SO_ORIGINAL_DST lookup.
// SOCKS5 request decoding (local-proxy mode's alternative) is a stub per
// SPEC_FULL.md's restated manager/ACL/plugin Non-goals.
func destinationFunc(cfg config.Config) shadowsocks.DestinationFunc {
	if cfg.TunnelAddress != "" {
		host, portStr, err := net.SplitHostPort(cfg.TunnelAddress)
		rtx.Must(err, "invalid tunnel-addr %q", cfg.TunnelAddress)
		port, err := net.LookupPort("tcp", portStr)
		rtx.Must(err, "invalid tunnel-addr port %q", cfg.TunnelAddress)
		dest := socksaddr.Addr{Port: uint16(port)}
		if ip := net.ParseIP(host); ip != nil {
			dest.IP = ip
		} else {
			dest.Hostname = host
		}
		return func(net.Conn) (socksaddr.Addr, error) { return dest, nil }
	}
	return func(conn net.Conn) (socksaddr.Addr, error) {
		tc, ok := conn.(*net.TCPConn)
		if !ok {
			return socksaddr.Addr{}, shadowsocks.ErrNoDestination
		}
		addr, err := sockopt.OriginalDst(tc, false)
		if err != nil {
			return socksaddr.Addr{}, err
		}
		return socksaddr.Addr{IP: addr.IP, Port: uint16(addr.Port)}, nil
	}
}

// runTunPump reads packets off the TUN device and feeds them to the stack,
// the ingress half of spec.md §4.3.
func runTunPump(s *stack.Stack, tun *tuntap.Device, in *iface.Iface, mtu int) {
	go func() {
		buf := make([]byte, mtu+64)
		for {
			n, err := tun.Read(buf)
			if err != nil {
				log.Printf("vpncore: TUN read: %v", err)
				return
			}
			pkt := append([]byte(nil), buf[:n]...)
			if err := s.Input(pkt, in); err != nil {
				log.Printf("vpncore: stack input: %v", err)
			}
		}
	}()
}

// runTickLoop drives the stack's coarse timer, per spec.md §5.
func runTickLoop(s *stack.Stack) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var now int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now += 500
			s.Tick(now)
		}
	}
}
