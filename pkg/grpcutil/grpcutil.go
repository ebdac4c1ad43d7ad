// Copyright 2020 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package grpcutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"net/url"
	"strings"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// SecurityConfig holds the paths of the TLS files used to reach a server.
type SecurityConfig struct {
	// CAPath is the path of file that contains list of trusted SSL CAs. If set, connections use TLS.
	CAPath string `toml:"cacert-path" json:"cacert-path"`
	// CertPath is the path of file that contains X509 certificate in PEM format.
	CertPath string `toml:"cert-path" json:"cert-path"`
	// KeyPath is the path of file that contains X509 key in PEM format.
	KeyPath string `toml:"key-path" json:"key-path"`
}

// ToTLSConfig generates a tls config, or nil when no CA is configured.
func (s SecurityConfig) ToTLSConfig() (*tls.Config, error) {
	if len(s.CAPath) == 0 {
		return nil, nil
	}
	var certificates []tls.Certificate
	if len(s.CertPath) != 0 && len(s.KeyPath) != 0 {
		// Load the client certificates from disk
		certificate, err := tls.LoadX509KeyPair(s.CertPath, s.KeyPath)
		if err != nil {
			return nil, errors.Errorf("could not load client key pair: %s", err)
		}
		certificates = append(certificates, certificate)
	}

	certPool := x509.NewCertPool()
	ca, err := ioutil.ReadFile(s.CAPath)
	if err != nil {
		return nil, errors.Errorf("could not read ca certificate: %s", err)
	}
	if !certPool.AppendCertsFromPEM(ca) {
		return nil, errors.New("failed to append ca certs")
	}
	return &tls.Config{
		Certificates: certificates,
		RootCAs:      certPool,
	}, nil
}

// Target strips an optional scheme from addr, so both "host:port" and "http://host:port" work.
func Target(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		return addr, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return u.Host, nil
}

// GetClientConn returns a gRPC client connection. Every unary call on it is observed by the gRPC prometheus
// client metrics.
func GetClientConn(ctx context.Context, addr string, sec SecurityConfig, do ...grpc.DialOption) (*grpc.ClientConn, error) {
	opt := grpc.WithInsecure()
	tlsCfg, err := sec.ToTLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opt = grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg))
	}
	target, err := Target(addr)
	if err != nil {
		return nil, err
	}
	do = append(do, opt, grpc.WithUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor))
	cc, err := grpc.DialContext(ctx, target, do...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return cc, nil
}
