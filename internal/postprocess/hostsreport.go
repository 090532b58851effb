package postprocess

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/harvest-controller/internal/harvest"
)

// ParseHostsReport reads a crawler hosts report and sums objects and bytes per
// registered domain. Lines look like "<#urls> <#bytes> <host> ...", and
// header lines start with '[' or '#'.
func ParseHostsReport(r io.Reader) (*harvest.HarvestReport, error) {
	report := &harvest.HarvestReport{Domains: make(map[string]harvest.DomainStats)}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "[") || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 3 {
			return nil, fmt.Errorf("hosts report line %d: expected at least 3 fields, got %d", line, len(fields))
		}
		urls, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("hosts report line %d: url count: %w", line, err)
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("hosts report line %d: byte count: %w", line, err)
		}
		domain := DomainOf(fields[2])
		stats := report.Domains[domain]
		stats.ObjectCount += urls
		stats.ByteCount += size
		report.Domains[domain] = stats
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read hosts report: %w", err)
	}
	return report, nil
}

// DomainOf reduces a host to its registered domain. IP addresses and hosts
// without a public suffix are returned as they are.
func DomainOf(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}
