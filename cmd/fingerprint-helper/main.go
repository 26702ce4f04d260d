// fingerprint-helper performs a single HTTPS exchange with a browser-shaped
// TLS ClientHello. It reads one JSON job from stdin, writes the raw HTTP
// response to stdout, and reports failures as {"error": "..."} on stderr.
//
// Headers are sent bit-for-bit in the order the job declares them; the order
// is part of the fingerprint, so nothing here may sort or canonicalize them.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"
)

type timeoutConfig struct {
	Connect int `json:"connect"`
	Read    int `json:"read"`
}

type proxyConfig struct {
	Enabled bool   `json:"enabled"`
	Type    string `json:"type"`
	URL     string `json:"url"`
}

type job struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout timeoutConfig     `json:"timeout"`
	Proxy   *proxyConfig      `json:"proxy,omitempty"`
}

func fatal(msg string) {
	j, _ := json.Marshal(map[string]string{"error": msg})
	os.Stderr.Write(j)
	os.Exit(1)
}

func main() {
	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		fatal("failed to read stdin: " + err.Error())
	}

	var j job
	if err := json.Unmarshal(input, &j); err != nil {
		fatal("invalid job JSON: " + err.Error())
	}

	u, err := url.Parse(j.URL)
	if err != nil {
		fatal("invalid URL: " + err.Error())
	}
	if u.Scheme != "https" {
		fatal("unsupported scheme: " + u.Scheme)
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
	}
	addr := net.JoinHostPort(host, port)

	connectTimeout := time.Duration(j.Timeout.Connect) * time.Second
	if connectTimeout == 0 {
		connectTimeout = 30 * time.Second
	}
	readTimeout := time.Duration(j.Timeout.Read) * time.Second
	if readTimeout == 0 {
		readTimeout = 120 * time.Second
	}

	var rawConn net.Conn
	if j.Proxy != nil && j.Proxy.Enabled {
		rawConn, err = dialViaProxy(j.Proxy.Type, j.Proxy.URL, addr, connectTimeout)
	} else {
		rawConn, err = (&net.Dialer{Timeout: connectTimeout}).Dial("tcp", addr)
	}
	if err != nil {
		fatal("connection failed: " + err.Error())
	}
	defer rawConn.Close()

	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: host,
		// HTTP/1.1 only: the parent parses the response with a 1.1 reader.
		NextProtos: []string{"http/1.1"},
	}, utls.HelloCustom)

	spec := clientHelloSpec(host)
	if err := tlsConn.ApplyPreset(&spec); err != nil {
		fatal("failed to apply TLS preset: " + err.Error())
	}

	tlsConn.SetDeadline(time.Now().Add(connectTimeout))
	if err := tlsConn.Handshake(); err != nil {
		fatal("TLS handshake failed: " + err.Error())
	}

	tlsConn.SetDeadline(time.Now().Add(readTimeout))

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s HTTP/1.1\r\n", strings.ToUpper(j.Method), u.RequestURI())
	for _, kv := range orderedHeaders(input) {
		fmt.Fprintf(&sb, "%s: %s\r\n", kv[0], kv[1])
	}
	sb.WriteString("\r\n")

	if _, err := io.WriteString(tlsConn, sb.String()); err != nil {
		fatal("failed to write request headers: " + err.Error())
	}
	if j.Body != "" {
		if _, err := io.WriteString(tlsConn, j.Body); err != nil {
			fatal("failed to write request body: " + err.Error())
		}
	}

	reader := bufio.NewReader(tlsConn)

	statusLine, err := reader.ReadString('\n')
	if err != nil {
		fatal("failed to read response status: " + err.Error())
	}
	os.Stdout.WriteString(statusLine)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			fatal("failed to read response headers: " + err.Error())
		}
		os.Stdout.WriteString(line)
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	// The server closing the connection after a complete response is the
	// normal end of a Connection: close exchange.
	io.Copy(os.Stdout, reader)
}

// orderedHeaders re-reads the "headers" object token by token because a
// map[string]string loses the declaration order.
func orderedHeaders(raw []byte) [][2]string {
	var wrapper struct {
		Headers json.RawMessage `json:"headers"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil || wrapper.Headers == nil {
		return nil
	}

	dec := json.NewDecoder(strings.NewReader(string(wrapper.Headers)))
	if t, err := dec.Token(); err != nil || t != json.Delim('{') {
		return nil
	}

	var result [][2]string
	for dec.More() {
		keyToken, err := dec.Token()
		if err != nil {
			break
		}
		key, ok := keyToken.(string)
		if !ok {
			break
		}
		valToken, err := dec.Token()
		if err != nil {
			break
		}
		result = append(result, [2]string{key, fmt.Sprintf("%v", valToken)})
	}
	return result
}

// clientHelloSpec is a Chrome-shaped hello. Extension order matters as much
// as the extension set.
func clientHelloSpec(serverName string) utls.ClientHelloSpec {
	return utls.ClientHelloSpec{
		TLSVersMin: utls.VersionTLS12,
		TLSVersMax: utls.VersionTLS13,
		CipherSuites: []uint16{
			utls.GREASE_PLACEHOLDER,
			utls.TLS_AES_128_GCM_SHA256,
			utls.TLS_AES_256_GCM_SHA384,
			utls.TLS_CHACHA20_POLY1305_SHA256,
			utls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			utls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			utls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			utls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			utls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			utls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
			utls.TLS_RSA_WITH_AES_128_GCM_SHA256,
			utls.TLS_RSA_WITH_AES_256_GCM_SHA384,
			utls.TLS_RSA_WITH_AES_128_CBC_SHA,
			utls.TLS_RSA_WITH_AES_256_CBC_SHA,
		},
		CompressionMethods: []uint8{0},
		Extensions: []utls.TLSExtension{
			&utls.UtlsGREASEExtension{},
			&utls.SNIExtension{ServerName: serverName},
			&utls.ExtendedMasterSecretExtension{},
			&utls.RenegotiationInfoExtension{Renegotiation: utls.RenegotiateOnceAsClient},
			&utls.SupportedCurvesExtension{Curves: []utls.CurveID{
				utls.GREASE_PLACEHOLDER,
				utls.X25519MLKEM768,
				utls.X25519,
				utls.CurveP256,
				utls.CurveP384,
			}},
			&utls.SupportedPointsExtension{SupportedPoints: []byte{0}},
			&utls.SessionTicketExtension{},
			&utls.ALPNExtension{AlpnProtocols: []string{"http/1.1"}},
			&utls.StatusRequestExtension{},
			&utls.SignatureAlgorithmsExtension{SupportedSignatureAlgorithms: []utls.SignatureScheme{
				utls.ECDSAWithP256AndSHA256,
				utls.PSSWithSHA256,
				utls.PKCS1WithSHA256,
				utls.ECDSAWithP384AndSHA384,
				utls.PSSWithSHA384,
				utls.PKCS1WithSHA384,
				utls.PSSWithSHA512,
				utls.PKCS1WithSHA512,
			}},
			&utls.SCTExtension{},
			&utls.KeyShareExtension{KeyShares: []utls.KeyShare{
				{Group: utls.CurveID(utls.GREASE_PLACEHOLDER), Data: []byte{0}},
				{Group: utls.X25519MLKEM768},
				{Group: utls.X25519},
			}},
			&utls.PSKKeyExchangeModesExtension{Modes: []uint8{utls.PskModeDHE}},
			&utls.SupportedVersionsExtension{Versions: []uint16{
				utls.GREASE_PLACEHOLDER,
				utls.VersionTLS13,
				utls.VersionTLS12,
			}},
			&utls.UtlsCompressCertExtension{Algorithms: []utls.CertCompressionAlgo{utls.CertCompressionBrotli}},
			&utls.UtlsGREASEExtension{},
		},
	}
}

func dialViaProxy(proxyType, proxyURL, target string, timeout time.Duration) (net.Conn, error) {
	switch strings.ToLower(proxyType) {
	case "socks5", "socks":
		return dialSocks5(proxyURL, target, timeout)
	case "http", "https":
		return dialHTTPProxy(proxyURL, target, timeout)
	default:
		return nil, fmt.Errorf("unsupported proxy type: %s", proxyType)
	}
}

func dialSocks5(proxyURL, target string, timeout time.Duration) (net.Conn, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}

	dialer, err := proxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer failed: %w", err)
	}
	return dialer.Dial("tcp", target)
}

func dialHTTPProxy(proxyURL, target string, timeout time.Duration) (net.Conn, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	conn, err := net.DialTimeout("tcp", u.Host, timeout)
	if err != nil {
		return nil, fmt.Errorf("proxy connection failed: %w", err)
	}

	connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	if _, err := io.WriteString(conn, connectReq); err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT write failed: %w", err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT read failed: %w", err)
	}
	if !strings.Contains(statusLine, "200") {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT rejected: %s", strings.TrimSpace(statusLine))
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil || line == "\r\n" || line == "\n" {
			break
		}
	}
	return conn, nil
}
