// Command generate-cert writes a self-signed certificate and key for local
// development of the proxy.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"quic-proxy-go/internal/certs"
)

type cli struct {
	Hosts    []string      `kong:"short='H',default='localhost',help='DNS names or IP addresses the certificate is valid for.'"`
	Out      string        `kong:"short='o',default='certs',help='Directory to write the certificate and key into.'"`
	PEM      bool          `kong:"help='Write PEM (cert.pem/key.pem) instead of DER (cert.der/key.der).'"`
	Validity time.Duration `kong:"default='8760h',help='How long the certificate stays valid.'"`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("generate-cert"),
		kong.Description("Generate a self-signed certificate for the QUIC proxy."),
	)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pair, err := certs.GenerateSelfSigned(c.Hosts, c.Validity)
	kctx.FatalIfErrorf(err)

	certPath, keyPath, err := pair.Write(c.Out, c.PEM)
	kctx.FatalIfErrorf(err)

	logger.Info("certificate written",
		"cert", certPath,
		"key", keyPath,
		"hosts", c.Hosts,
		"valid_for", c.Validity.String(),
	)
	fmt.Println(certPath)
	fmt.Println(keyPath)
}
