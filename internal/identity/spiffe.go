// Package identity provides a SPIFFE Workload API backed TokenSource for
// processes that rotate credentials out of band instead of configuring a
// static Authorization token.
package identity

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/svid/jwtsvid"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// expirySkew is how far ahead of a SVID's real expiry SPIFFESource mints a
// replacement, so a long-poll session never sends a token that expires
// mid-request.
const expirySkew = 30 * time.Second

// SPIFFESource mints the long-poll Authorization header from a JWT-SVID
// fetched over the SPIFFE Workload API, refreshing it lazily as it nears
// expiry. It satisfies longpoll.TokenSource.
type SPIFFESource struct {
	client   *workloadapi.Client
	x509     *workloadapi.X509Source
	audience string

	mu      sync.Mutex
	cached  *jwtsvid.SVID
	minted  string
	expires time.Time
}

// NewSPIFFESource dials the SPIRE agent at socketPath and returns a
// SPIFFESource that mints JWT-SVIDs for audience on demand. A short connect
// timeout keeps a missing SPIRE agent from hanging process startup.
func NewSPIFFESource(socketPath, audience string) (*SPIFFESource, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, err := workloadapi.New(ctx, workloadapi.WithAddr(socketPath))
	if err != nil {
		return nil, fmt.Errorf("identity: connect to SPIRE agent at %s: %w", socketPath, err)
	}

	x509, err := workloadapi.NewX509Source(ctx, workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("identity: fetch X.509 SVID source: %w", err)
	}

	slog.Info("identity: connected to SPIRE agent", "socket_path", socketPath, "audience", audience)
	return &SPIFFESource{client: client, x509: x509, audience: audience}, nil
}

// Token implements longpoll.TokenSource: it returns the cached JWT-SVID if
// it still has more than expirySkew left, otherwise mints a fresh one.
func (s *SPIFFESource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && time.Until(s.expires) > expirySkew {
		return s.minted, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svid, err := s.client.FetchJWTSVID(ctx, jwtsvid.Params{Audience: s.audience})
	if err != nil {
		return "", fmt.Errorf("identity: fetch JWT-SVID: %w", err)
	}

	s.cached = svid
	s.minted = svid.Marshal()
	s.expires = svid.Expiry
	slog.Debug("identity: minted JWT-SVID", "spiffe_id", svid.ID.String(), "expires", s.expires)
	return s.minted, nil
}

// SVID returns the caller's own SPIFFE ID, as found in its X.509 identity.
func (s *SPIFFESource) SVID() (spiffeid.ID, error) {
	svid, err := s.x509.GetX509SVID()
	if err != nil {
		return spiffeid.ID{}, err
	}
	return svid.ID, nil
}

// TLSConfig returns a client mTLS config authenticated with this workload's
// X.509-SVID, for processes that additionally speak to a huskar-agent debug
// endpoint over mTLS rather than plain HTTP.
func (s *SPIFFESource) TLSConfig(authorizer tlsconfig.Authorizer) *tls.Config {
	return tlsconfig.MTLSClientConfig(s.x509, s.x509, authorizer)
}

// Close releases the underlying Workload API connections.
func (s *SPIFFESource) Close() error {
	err := s.x509.Close()
	if cerr := s.client.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
