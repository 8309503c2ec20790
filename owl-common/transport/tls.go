package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// NewTLSConfig 根据 CA/证书/私钥路径构建双向 TLS 配置，MQTT 与 Kafka 共用
func NewTLSConfig(caPath, certPath, keyPath string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("%w: read ca %s: %v", ErrTLSConfig, caPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("%w: no certificates in %s", ErrTLSConfig, caPath)
		}
		tlsConfig.RootCAs = pool
	}

	if (certPath == "") != (keyPath == "") {
		return nil, fmt.Errorf("%w: cert and key must be provided together", ErrTLSConfig)
	}
	if certPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: load key pair: %v", ErrTLSConfig, err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
