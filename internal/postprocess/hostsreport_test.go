package postprocess_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-controller/internal/harvest"
	"github.com/JakeFAU/harvest-controller/internal/postprocess"
)

func TestParseHostsReport(t *testing.T) {
	t.Parallel()

	report, err := postprocess.ParseHostsReport(strings.NewReader(hostsReport + "\n2 10 192.168.0.1:8080 0 0\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]harvest.DomainStats{
		"example.com": {ObjectCount: 15, ByteCount: 5120},
		"dns":         {ObjectCount: 1, ByteCount: 60},
		"192.168.0.1": {ObjectCount: 2, ByteCount: 10},
	}, report.Domains)
}

func TestParseHostsReportRejectsMalformedLines(t *testing.T) {
	t.Parallel()

	_, err := postprocess.ParseHostsReport(strings.NewReader("12 www.example.com\n"))
	assert.ErrorContains(t, err, "line 1")

	_, err = postprocess.ParseHostsReport(strings.NewReader("x 10 www.example.com\n"))
	assert.ErrorContains(t, err, "url count")
}

func TestDomainOf(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"www.example.com":    "example.com",
		"WWW.Example.co.uk.": "example.co.uk",
		"example.com:443":    "example.com",
		"10.0.0.1":           "10.0.0.1",
		"localhost":          "localhost",
	}
	for host, want := range cases {
		assert.Equal(t, want, postprocess.DomainOf(host), host)
	}
}
