package netenv

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"strings"
	"sync"

	"github.com/firezone/firezone-sub006/base/log"
)

const resolvconfPath = "/etc/resolv.conf"

var (
	nameservers     = make([]Nameserver, 0)
	nameserversLock sync.Mutex
)

// Nameserver describes a system-configured DNS server.
type Nameserver struct {
	IP     netip.Addr
	Search []string
}

// Nameservers returns the currently active system nameservers.
func Nameservers() []Nameserver {
	nameserversLock.Lock()
	defer nameserversLock.Unlock()
	// Check if the network changed, if not, return cache.
	if !networkChangedFlag.IsSet() {
		return nameservers
	}
	networkChangedFlag.UnSet()

	nameservers = make([]Nameserver, 0)

	resolvconf, err := os.Open(resolvconfPath)
	if err != nil {
		log.Warningf("netenv: could not read %s: %s", resolvconfPath, err)
		return nameservers
	}
	defer func() {
		_ = resolvconf.Close()
	}()

	nameservers = parseResolvconf(resolvconf)
	return nameservers
}

func parseResolvconf(r io.Reader) []Nameserver {
	var searchDomains []string
	var servers []netip.Addr

	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanLines)
	for scanner.Scan() {
		line := strings.Fields(scanner.Text())
		if len(line) < 2 {
			continue
		}
		switch line[0] {
		case "search":
			searchDomains = append(searchDomains, line[1:]...)
		case "nameserver":
			ip, err := netip.ParseAddr(line[1])
			if err != nil {
				log.Warningf("netenv: could not parse nameserver %s: %s", line[1], err)
				continue
			}
			servers = append(servers, ip)
		}
	}

	parsed := make([]Nameserver, 0, len(servers))
	for _, server := range servers {
		parsed = append(parsed, Nameserver{
			IP:     server,
			Search: searchDomains,
		})
	}
	return parsed
}
