package resilient

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-cleanhttp"
)

// pinPrefix is the only pin format we accept: a base64 SHA-256 of a
// certificate's SubjectPublicKeyInfo, as produced by
// `openssl x509 -pubkey | openssl pkey -pubin -outform der | openssl dgst -sha256 -binary | base64`
const pinPrefix = "sha256/"

// ErrPinMismatch is returned when no certificate presented by a server matches
// the pins configured for its host
var ErrPinMismatch = errors.New("certificate pin mismatch")

// PinRegistry holds certificate pins by hostname, along with the pinned
// clients built from them. The zero value is an empty registry.
type PinRegistry struct {
	mu      sync.RWMutex
	pins    map[string][]string
	clients map[string]*http.Client

	// unusable pin sets, remembered until the host's pins change
	broken map[string]error

	// newTransport lets tests trust their own CA
	newTransport func() *http.Transport
}

// NewPinRegistry returns a registry seeded with pins
func NewPinRegistry(pins map[string][]string) *PinRegistry {
	r := &PinRegistry{newTransport: cleanhttp.DefaultPooledTransport}

	for host, p := range pins {
		r.SetPins(host, p)
	}

	return r
}

// SetPins replaces the pins for host. An empty list removes them.
func (r *PinRegistry) SetPins(host string, pins []string) {
	host = strings.ToLower(host)

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, host)
	delete(r.broken, host)

	if len(pins) == 0 {
		delete(r.pins, host)

		return
	}

	if r.pins == nil {
		r.pins = make(map[string][]string)
	}

	r.pins[host] = append([]string(nil), pins...)
}

// Pins returns a copy of the pins for host, or nil
func (r *PinRegistry) Pins(host string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p := r.pins[strings.ToLower(host)]
	if len(p) == 0 {
		return nil
	}

	return append([]string(nil), p...)
}

// pinLookup is what the registry knows about one host
type pinLookup struct {
	client *http.Client
	pinned bool

	// err is set when the host has pins which can't be used; fresh is only
	// true for the lookup which found that out
	err   error
	fresh bool
}

// lookup returns the pinned client for host, building it on first use
func (r *PinRegistry) lookup(host string) pinLookup {
	host = strings.ToLower(host)

	r.mu.RLock()
	c, cached := r.clients[host]
	broken := r.broken[host]
	pins := r.pins[host]
	newTransport := r.newTransport
	r.mu.RUnlock()

	switch {
	case cached:
		return pinLookup{client: c, pinned: true}
	case broken != nil:
		return pinLookup{pinned: true, err: broken}
	case len(pins) == 0:
		return pinLookup{}
	}

	hashes, err := decodePins(pins)
	if err != nil {
		err = fmt.Errorf("pins for %s: %w", host, err)

		r.mu.Lock()
		// SetPins may have raced us; only remember what still matches
		if slices.Equal(r.pins[host], pins) {
			if r.broken == nil {
				r.broken = make(map[string]error)
			}

			r.broken[host] = err
		}
		r.mu.Unlock()

		return pinLookup{pinned: true, err: err, fresh: true}
	}

	if newTransport == nil {
		newTransport = cleanhttp.DefaultPooledTransport
	}

	t := newTransport()
	if t.TLSClientConfig == nil {
		t.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	t.TLSClientConfig.VerifyConnection = verifyPins(hashes)

	c = &http.Client{Transport: t}

	r.mu.Lock()
	if slices.Equal(r.pins[host], pins) {
		if r.clients == nil {
			r.clients = make(map[string]*http.Client)
		}

		r.clients[host] = c
	}
	r.mu.Unlock()

	return pinLookup{client: c, pinned: true}
}

func decodePins(pins []string) ([][]byte, error) {
	hashes := make([][]byte, 0, len(pins))

	for _, p := range pins {
		if !strings.HasPrefix(p, pinPrefix) {
			return nil, fmt.Errorf("pin %q must start with %q", p, pinPrefix)
		}

		h, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(p, pinPrefix))
		if err != nil {
			return nil, fmt.Errorf("pin %q: %w", p, err)
		}

		if len(h) != sha256.Size {
			return nil, fmt.Errorf("pin %q is %d bytes, want %d", p, len(h), sha256.Size)
		}

		hashes = append(hashes, h)
	}

	return hashes, nil
}

// verifyPins runs after normal chain verification, so a pinned host must
// present a chain that is both trusted and contains a pinned key
func verifyPins(hashes [][]byte) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		for _, cert := range cs.PeerCertificates {
			sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)

			for _, h := range hashes {
				if string(sum[:]) == string(h) {
					return nil
				}
			}
		}

		return fmt.Errorf("%w for %s", ErrPinMismatch, cs.ServerName)
	}
}

// PinFor returns the pin string for a DER encoded SubjectPublicKeyInfo
func PinFor(rawSubjectPublicKeyInfo []byte) string {
	sum := sha256.Sum256(rawSubjectPublicKeyInfo)

	return pinPrefix + base64.StdEncoding.EncodeToString(sum[:])
}
