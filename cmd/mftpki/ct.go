package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/rpkibox/mftpki/validator/pki"

	ct "github.com/google/certificate-transparency-go"
	libmft "github.com/rpkibox/mftpki/validator/lib"
	log "github.com/sirupsen/logrus"
)

var (
	// Certificate Transparency
	CertTransparency        = flag.Bool("ct.submit", false, "Submit manifest signing certificates to a Certificate Transparency log")
	CertTransparencyAddr    = flag.String("ct.url", "https://ct.cloudflare.com/logs/cirrus", "Address of the CT log")
	CertTransparencyThreads = flag.Int("ct.threads", 50, "Threads to send to CT")
	CertTransparencyTimeout = flag.Int("ct.timeout", 50, "CT timeout in seconds")
)

func SingleSendCertificateTransparency(httpclient *http.Client, path string, msg *ct.AddChainRequest) error {
	buf := bytes.NewBuffer([]byte{})
	enc := json.NewEncoder(buf)
	enc.Encode(msg)

	resp, err := httpclient.Post(fmt.Sprintf("%v/ct/v1/add-chain", path), "application/json", buf)
	if err == nil {
		respStr, _ := io.ReadAll(resp.Body)
		log.Debugf("Sent %v certs %v %v", len(msg.Chain), path, string(respStr))
	}

	return err
}

func BatchCertificateTransparency(httpclient *http.Client, path string, d chan *ct.AddChainRequest) {
	log.Debugf("Starting BatchCertificateTransparency")

	for msg := range d {
		err := SingleSendCertificateTransparency(httpclient, path, msg)
		if err != nil {
			log.Error(err)
		}
	}
}

// SendCertificateTransparency submits the signing certificate chain of
// each manifest to the configured CT log. Every chain element is a
// signed object whose embedded certificates are lifted from the CMS.
func (s *MFTPKI) SendCertificateTransparency(pSpan opentracing.Span, ctData [][]*pki.PKIFile, threads int, timeout int) {
	span := s.tracer.StartSpan(
		"ct",
		opentracing.ChildOf(pSpan.Context()),
	)
	defer span.Finish()

	log.Infof("Sending Certificate Transparency (threads=%v)", threads)

	httpclient := &http.Client{
		Timeout: time.Duration(timeout) * time.Second,
	}

	dataChan := make(chan *ct.AddChainRequest)
	defer close(dataChan)

	for i := 0; i < threads; i++ {
		go BatchCertificateTransparency(httpclient, s.CTPath, dataChan)
	}

	var iterations int
	for _, certs := range ctData {
		chain := make([][]byte, 0)

		for _, cert := range certs {
			data, err := s.Fetcher.GetFile(cert)
			if err != nil {
				log.Error(err)
				continue
			}
			if data == nil {
				continue
			}

			cms, err := libmft.DecodeCMS(data.Data)
			if err != nil {
				log.Error(err)
				continue
			}

			chain = append(chain, cms.SignedData.Certificates.Bytes)
		}
		if len(chain) == 0 {
			continue
		}

		dataChan <- &ct.AddChainRequest{
			Chain: chain,
		}

		iterations++
		if len(ctData) >= 20 && iterations%(len(ctData)/20) == 0 {
			log.Infof("Sent %v/%v (%v percent) certificates chains to CT %v", iterations, len(ctData), iterations*100/len(ctData), s.CTPath)
		}
	}

	log.Infof("Sent %v chains to Certificate Transparency %v", iterations, s.CTPath)
}
