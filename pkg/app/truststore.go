package app

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io/ioutil"
	"net/http"
	"path/filepath"

	"github.com/grantae/certinfo"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	"github.com/sirupsen/logrus"
)

// setupTruststore appends any .crt files in the working directory to the
// system cert pool and installs the merged pool on the default transport,
// so API calls and git-over-https both trust internal CAs without extra
// configuration.
func setupTruststore(log *logrus.Entry) (err error) {
	crtFiles, err := filepath.Glob("*.crt")
	if err != nil {
		return errors.Wrap(err, "unable to glob for crt files")
	}
	if len(crtFiles) == 0 {
		return
	}

	log.Info("found .crt files in folder, appending them to the truststore")

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	for _, crtFile := range crtFiles {
		var raw []byte
		if raw, err = ioutil.ReadFile(crtFile); err != nil {
			return errors.Wrapv(err, "unable to read certificate file", crtFile)
		}
		if !pool.AppendCertsFromPEM(raw) {
			return errors.Errorv("no usable certificates found in file", crtFile)
		}

		logCertificates(raw, crtFile, log)
	}

	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return errors.New("default transport is not an http transport")
	}
	if transport.TLSClientConfig == nil {
		transport.TLSClientConfig = &tls.Config{}
	}
	transport.TLSClientConfig.RootCAs = pool

	return
}

func logCertificates(raw []byte, crtFile string, log *logrus.Entry) {
	for {
		block, rest := pem.Decode(raw)
		if block == nil {
			return
		}
		raw = rest

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			log.WithField("file", crtFile).WithError(err).Debug("unable to parse certificate")
			continue
		}

		log.WithField("file", crtFile).Infof("trusting certificate: %s", cert.Subject)

		if text, textErr := certinfo.CertificateText(cert); textErr == nil {
			log.Debug(text)
		}
	}
}
