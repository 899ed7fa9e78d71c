package dht

import (
	"errors"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	errInvalidSeedPort = errors.New("invalid seed port")

	dnsTimeout = 5 * time.Second
)

// ResolveSeeds turns configured "host:port" bootstrap entries into
// endpoints of the wanted family. Hostnames are resolved concurrently
// through lookupHost; entries that fail to parse or resolve are logged
// and skipped rather than failing the node.
func ResolveSeeds(lookupHost func(host string) (addrs []string, err error), entries []string, fam Family) []BootstrapSeed {
	if len(entries) == 0 {
		return nil
	}

	resultCh := make(chan []BootstrapSeed, len(entries))
	for _, entry := range entries {
		go func(entry string) {
			resultCh <- resolveSeedEntry(lookupHost, entry, fam)
		}(entry)
	}

	var seeds []BootstrapSeed
	deadline := time.After(dnsTimeout)
	for range entries {
		select {
		case result := <-resultCh:
			seeds = append(seeds, result...)
		case <-deadline:
			log.WithFields(log.Fields{"module": logModule, "family": fam}).Warning("seed resolution timed out")
			return seeds
		}
	}
	return seeds
}

func resolveSeedEntry(lookupHost func(host string) (addrs []string, err error), entry string, fam Family) []BootstrapSeed {
	host, portStr, err := net.SplitHostPort(entry)
	if err != nil {
		log.WithFields(log.Fields{"module": logModule, "seed": entry, "err": err}).Error("fail on parse seed entry")
		return nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		log.WithFields(log.Fields{"module": logModule, "seed": entry, "err": errInvalidSeedPort}).Error("fail on parse seed entry")
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if !matchesFamily(ip, fam) {
			return nil
		}
		return []BootstrapSeed{{IP: ip, Port: uint16(port)}}
	}

	addrs, err := lookupHost(host)
	if err != nil {
		log.WithFields(log.Fields{"module": logModule, "seed": entry, "err": err}).Error("fail on look up host")
		return nil
	}
	var seeds []BootstrapSeed
	for _, addr := range addrs {
		ip := net.ParseIP(addr)
		if ip == nil || !matchesFamily(ip, fam) {
			continue
		}
		seeds = append(seeds, BootstrapSeed{IP: ip, Port: uint16(port)})
	}
	return seeds
}

func matchesFamily(ip net.IP, fam Family) bool {
	if fam == FamilyV6 {
		return ip.To4() == nil && ip.To16() != nil
	}
	return ip.To4() != nil
}
