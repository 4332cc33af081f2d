package transport

import (
	"context"
	"crypto/tls"
	"math"
	"net"
	"net/url"
	"time"

	"github.com/ecoskeleton/sensorflow/agent/internal/config"
)

// Certificate states reported by CheckCert.
const (
	CertValid       = "valid"
	CertExpiring    = "expiring"
	CertExpired     = "expired"
	CertUnreachable = "unreachable"
)

const (
	certDialTimeout = 10 * time.Second
	certExpiryWarn  = 30 * 24 * time.Hour
)

// CertStatus describes the leaf certificate served by a module endpoint.
type CertStatus struct {
	Status   string `json:"status"`
	DaysLeft int    `json:"days_left"`
	Issuer   string `json:"issuer,omitempty"`
	NotAfter string `json:"not_after,omitempty"`
}

// CheckCert dials the TLS endpoint of src and inspects its leaf certificate.
// It returns nil for endpoints that are not https.
func CheckCert(ctx context.Context, src config.Source, now time.Time) *CertStatus {
	u, err := url.Parse(src.Endpoint)
	if err != nil || u.Scheme != "https" {
		return nil
	}

	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}

	dialCtx, cancel := context.WithTimeout(ctx, certDialTimeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			InsecureSkipVerify: src.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
		},
	}
	netConn, err := dialer.DialContext(dialCtx, "tcp", host)
	if err != nil {
		return &CertStatus{Status: CertUnreachable}
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peers := conn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return &CertStatus{Status: CertUnreachable}
	}

	leaf := peers[0]
	left := leaf.NotAfter.Sub(now)
	cs := &CertStatus{
		DaysLeft: int(math.Floor(left.Hours() / 24)),
		Issuer:   leaf.Issuer.CommonName,
		NotAfter: leaf.NotAfter.UTC().Format(time.RFC3339),
	}
	switch {
	case left <= 0:
		cs.Status = CertExpired
	case left <= certExpiryWarn:
		cs.Status = CertExpiring
	default:
		cs.Status = CertValid
	}
	return cs
}
