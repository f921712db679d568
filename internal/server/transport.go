package server

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

var (
	ErrInvalidSecurityMode = errors.New("server: invalid security mode")
	ErrTLSRequired         = errors.New("server: tls required")
	ErrMTLSRequired        = errors.New("server: mtls required")
	ErrTLSCertFileRequired = errors.New("server: tls cert file required")
	ErrTLSKeyFileRequired  = errors.New("server: tls key file required")
	ErrTLSCAFileRequired   = errors.New("server: tls ca file required")
	ErrEmptyListenAddr     = errors.New("server: empty listen address")
)

// TLSConfig is the static transport choice for one listen address. There is
// no runtime fallback between plaintext and TLS on the same address.
type TLSConfig struct {
	Enabled  bool
	Mutual   bool
	CertFile string
	KeyFile  string
	CAFile   string
}

// ListenerConfig binds one address, plaintext or TLS.
type ListenerConfig struct {
	Addr         string
	SecurityMode SecurityMode
	TLS          TLSConfig
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

func (lc ListenerConfig) Validate() error {
	if strings.TrimSpace(lc.Addr) == "" {
		return ErrEmptyListenAddr
	}
	mode := NormalizeSecurityMode(lc.SecurityMode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, lc.SecurityMode)
	}

	if mode == SecurityModeProduction {
		if !lc.TLS.Enabled {
			return ErrTLSRequired
		}
		if !lc.TLS.Mutual {
			return ErrMTLSRequired
		}
	}
	if lc.TLS.Mutual && !lc.TLS.Enabled {
		return ErrTLSRequired
	}
	if lc.TLS.Enabled {
		if strings.TrimSpace(lc.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(lc.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	if lc.TLS.Mutual && strings.TrimSpace(lc.TLS.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}

func (lc ListenerConfig) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(lc.TLS.CertFile, lc.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("server: load key pair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if lc.TLS.Mutual {
		caPEM, err := os.ReadFile(lc.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("server: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("server: no certificates in %s", lc.TLS.CAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}
