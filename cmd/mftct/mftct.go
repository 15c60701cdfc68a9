package main

import (
	"context"
	"flag"
	"io/ioutil"
	"net/http"
	"runtime"
	"strings"

	ct "github.com/google/certificate-transparency-go"
	"github.com/google/certificate-transparency-go/client"
	"github.com/google/certificate-transparency-go/jsonclient"
	libmft "github.com/rpkibox/mftpki/validator/lib"
	log "github.com/sirupsen/logrus"
)

var (
	CertificateTransparency        = flag.String("ct", "https://ct.cloudflare.com/logs/cirrus", "Certificate Transparency Log address")
	CertificateTransparencyThreads = flag.Int("ct.threads", 50, "Number of threads to send to the CT Log")
	AdditionalCerts                = flag.String("additional.certs", "", "List of DER certificate files separated by comma, appended to every chain")
	LogLevel                       = flag.String("loglevel", "info", "Log level")
)

func BatchCertificateTransparency(ctclient *client.LogClient, chains chan []ct.ASN1Cert) {
	log.Debugf("Starting BatchCertificateTransparency")
	for msg := range chains {
		_, err := ctclient.AddChain(context.Background(), msg)
		if err != nil {
			log.Error(err)
		}
	}
}

// ChainFromManifest extracts the certificates embedded in the signed
// envelope of a manifest file: the signing certificate of the object.
func ChainFromManifest(data []byte) ([]ct.ASN1Cert, error) {
	cms, err := libmft.DecodeCMS(data)
	if err != nil {
		return nil, err
	}
	return []ct.ASN1Cert{{Data: cms.SignedData.Certificates.Bytes}}, nil
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	flag.Parse()
	lvl, _ := log.ParseLevel(*LogLevel)
	log.SetLevel(lvl)

	paths := flag.Args()
	if len(paths) == 0 {
		log.Fatal("No manifest files given")
	}

	// A manifest envelope usually embeds the signing certificate alone,
	// the log may want the rest of the chain alongside.
	additional := make([]ct.ASN1Cert, 0)
	for _, certPath := range strings.Split(*AdditionalCerts, ",") {
		if certPath == "" {
			continue
		}
		data, err := ioutil.ReadFile(certPath)
		if err != nil {
			log.Fatal(err)
		}
		additional = append(additional, ct.ASN1Cert{Data: data})
	}

	ctclient, err := client.New(*CertificateTransparency, http.DefaultClient, jsonclient.Options{
		Logger:    log.StandardLogger(),
		UserAgent: "RPKIBox-MFT-CT/1.0 (+https://github.com/rpkibox/mftpki)",
	})
	if err != nil {
		log.Fatal(err)
	}

	threads := *CertificateTransparencyThreads

	// Unbuffered so every chain is handed to a worker before the channel
	// closes.
	dataChan := make(chan []ct.ASN1Cert)
	for i := 0; i < threads; i++ {
		go BatchCertificateTransparency(ctclient, dataChan)
	}
	defer close(dataChan)

	log.Infof("Sending %v certificate chains to log %v using %v threads", len(paths), *CertificateTransparency, threads)
	var itera int
	for _, path := range paths {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			log.Error(err)
			continue
		}

		chain, err := ChainFromManifest(data)
		if err != nil {
			log.Errorf("%v: %v", path, err)
			continue
		}
		chain = append(chain, additional...)

		if threads > 0 {
			dataChan <- chain
		} else {
			_, err := ctclient.AddChain(context.Background(), chain)
			if err != nil {
				log.Error(err)
			}
		}
		itera++
		if len(paths) >= 20 && itera%(len(paths)/20) == 0 {
			log.Infof("Sent %v/%v (%v%%)", itera, len(paths), itera*100/len(paths))
		}
	}
}
