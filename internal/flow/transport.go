package flow

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"

	utls "github.com/refraction-networking/utls"
	log "github.com/sirupsen/logrus"
)

// wrapChromeTLS installs a Chrome ClientHello on the transport so the TLS
// fingerprint matches the User-Agent the client presents. ALPN is pinned to
// http/1.1 because the dialer hands the connection to net/http's HTTP/1
// machinery. Proxied transports are left untouched; the CONNECT tunnel keeps
// the default TLS stack.
func wrapChromeTLS(transport *http.Transport) *http.Transport {
	if transport == nil {
		transport = &http.Transport{}
	}
	if transport.Proxy != nil {
		return transport
	}

	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		dialer := &net.Dialer{}
		raw, errDial := dialer.DialContext(ctx, network, addr)
		if errDial != nil {
			return nil, errDial
		}

		spec, errSpec := utls.UTLSIdToSpec(utls.HelloChrome_Auto)
		if errSpec != nil {
			_ = raw.Close()
			return nil, errSpec
		}
		for _, ext := range spec.Extensions {
			if alpn, ok := ext.(*utls.ALPNExtension); ok {
				alpn.AlpnProtocols = []string{"http/1.1"}
			}
		}

		conn := utls.UClient(raw, &utls.Config{ServerName: host}, utls.HelloCustom)
		if errApply := conn.ApplyPreset(&spec); errApply != nil {
			_ = raw.Close()
			return nil, errApply
		}
		if errHandshake := conn.HandshakeContext(ctx); errHandshake != nil {
			_ = raw.Close()
			log.Debugf("flow: chrome tls handshake with %s failed: %v", host, errHandshake)
			return nil, errHandshake
		}
		return conn, nil
	}
	transport.ForceAttemptHTTP2 = false
	transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	return transport
}
