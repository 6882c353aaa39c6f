package issuer

import (
	"fmt"
	"strings"
)

// renderConfig produces an OpenSSL configuration describing the subject and
// the v3 extensions for a request. The same file serves `openssl req`
// (distinguished_name, req_extensions) and `openssl x509 -req -extfile`
// (v3_ext section).
func renderConfig(req *Request) string {
	var b strings.Builder

	b.WriteString("[req]\n")
	b.WriteString("distinguished_name = req_dn\n")
	b.WriteString("prompt = no\n")
	b.WriteString("req_extensions = v3_ext\n")
	if req.Kind == KindRootCA {
		b.WriteString("x509_extensions = v3_ext\n")
	}
	b.WriteString("\n[req_dn]\n")
	writeDN(&b, req)

	b.WriteString("\n[v3_ext]\n")
	switch req.Kind {
	case KindRootCA:
		b.WriteString("basicConstraints = critical, CA:TRUE\n")
		b.WriteString("keyUsage = critical, keyCertSign, cRLSign\n")
	case KindIntermediateCA:
		b.WriteString("basicConstraints = critical, CA:TRUE, pathlen:0\n")
		b.WriteString("keyUsage = critical, keyCertSign, cRLSign\n")
	case KindLeaf:
		b.WriteString("basicConstraints = critical, CA:FALSE\n")
		b.WriteString("keyUsage = critical, digitalSignature, keyEncipherment\n")
		switch req.Usage {
		case UsageServer:
			b.WriteString("extendedKeyUsage = serverAuth\n")
		case UsageClient:
			b.WriteString("extendedKeyUsage = clientAuth\n")
		case UsageMixed:
			b.WriteString("extendedKeyUsage = serverAuth, clientAuth\n")
		}
	}
	b.WriteString("subjectKeyIdentifier = hash\n")
	if req.Kind != KindRootCA {
		b.WriteString("authorityKeyIdentifier = keyid, issuer\n")
	}

	if len(req.Domains) > 0 || len(req.IPs) > 0 {
		b.WriteString("subjectAltName = @alt_names\n")
		b.WriteString("\n[alt_names]\n")
		for i, d := range req.Domains {
			fmt.Fprintf(&b, "DNS.%d = %s\n", i+1, d)
		}
		for i, ip := range req.IPs {
			fmt.Fprintf(&b, "IP.%d = %s\n", i+1, ip)
		}
	}
	return b.String()
}

func writeDN(b *strings.Builder, req *Request) {
	fmt.Fprintf(b, "CN = %s\n", req.Subject.CommonName)
	for _, o := range req.Subject.Organization {
		fmt.Fprintf(b, "O = %s\n", o)
	}
	for _, ou := range req.Subject.OrganizationalUnit {
		fmt.Fprintf(b, "OU = %s\n", ou)
	}
	for _, c := range req.Subject.Country {
		fmt.Fprintf(b, "C = %s\n", c)
	}
	for _, st := range req.Subject.Province {
		fmt.Fprintf(b, "ST = %s\n", st)
	}
	for _, l := range req.Subject.Locality {
		fmt.Fprintf(b, "L = %s\n", l)
	}
	if req.Email != "" {
		fmt.Fprintf(b, "emailAddress = %s\n", req.Email)
	}
}
