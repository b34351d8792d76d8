package nameserver

import (
	"math/rand"
	"net"
	"net/url"
	"strings"
)

// FindClosestIP returns the candidate address whose IPv4 is numerically
// closest to callerIP. Ties are broken by input order
// after a random shuffle, so repeated ties spread load across candidates
// rather than always favoring the first-registered address.
func FindClosestIP(callerIP string, candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	caller := ipv4Uint32(callerIP)

	shuffled := make([]string, len(candidates))
	copy(shuffled, candidates)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	best := shuffled[0]
	bestDist := distance(caller, ipv4Uint32(hostOf(best)))
	for _, c := range shuffled[1:] {
		d := distance(caller, ipv4Uint32(hostOf(c)))
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, true
}

// hostOf strips a "http://host:port" server address down to its host, or
// returns s unchanged if it is already a bare IP.
func hostOf(s string) string {
	if u, err := url.Parse(s); err == nil && u.Host != "" {
		h, _, err := net.SplitHostPort(u.Host)
		if err == nil {
			return h
		}
		return u.Host
	}
	if strings.Contains(s, ":") {
		h, _, err := net.SplitHostPort(s)
		if err == nil {
			return h
		}
	}
	return s
}

func ipv4Uint32(s string) uint32 {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func distance(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
