package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// errForbiddenTarget 中转目标解析到本机、内网或链路本地地址。
var errForbiddenTarget = errors.New("中转目标指向本机或内网地址")

func forbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast()
}

// forbiddenHost 在发起请求前拒绝字面量地址和 localhost。域名在连接时由 relayDialer 检查。
func forbiddenHost(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return forbiddenIP(ip)
	}
	return false
}

// relayDialer 在建立连接前检查解析后的地址，重定向和 DNS 重绑定同样受限。
func relayDialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout: timeout,
		Control: func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip == nil || forbiddenIP(ip) {
				return fmt.Errorf("%w: %s", errForbiddenTarget, host)
			}
			return nil
		},
	}
}

// newRelayClient 创建中转使用的 HTTP 客户端。allowPrivate 为 false 时拒绝连接本机和内网地址。
func newRelayClient(timeout time.Duration, allowPrivate bool) *http.Client {
	if allowPrivate {
		return &http.Client{Timeout: timeout}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = relayDialer(timeout).DialContext
	return &http.Client{Timeout: timeout, Transport: transport}
}
