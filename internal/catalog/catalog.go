package catalog

import "strings"

// Environment names a blockchain network
type Environment string

const (
	Mainnet Environment = "mainnet"
	Testnet Environment = "testnet"
	Chipnet Environment = "chipnet"
	Regtest Environment = "regtest"
)

// ParseEnvironment maps a config string to a known environment
func ParseEnvironment(s string) (Environment, bool) {
	switch env := Environment(strings.ToLower(strings.TrimSpace(s))); env {
	case Mainnet, Testnet, Chipnet, Regtest:
		return env, true
	}
	return "", false
}

var defaultServers = map[Environment][]string{
	Mainnet: {
		"wss://bch.imaginary.cash:50004",
		"wss://electroncash.de:60002",
		"wss://bch.loping.net:50004",
		"wss://fulcrum.greyh.at:50004",
		"wss://bch.soul-dev.com:50004",
	},
	Testnet: {
		"wss://testnet.imaginary.cash:50004",
		"wss://blackie.c3-soft.com:60004",
	},
	Chipnet: {
		"wss://chipnet.imaginary.cash:50004",
		"wss://chipnet.bch.ninja:50004",
	},
	Regtest: {
		"ws://127.0.0.1:60003",
	},
}

// ServersFor returns the built-in server list of an environment.
// Unknown environments have no defaults.
func ServersFor(env Environment) []Endpoint {
	return Normalize(defaultServers[env])
}

// Normalize parses every URL, drops the ones that are not usable ws/wss endpoints
// and removes case-insensitive duplicates, keeping first-seen order.
func Normalize(urls []string) []Endpoint {
	result := make([]Endpoint, 0, len(urls))
	seen := make(map[string]bool, len(urls))
	for _, raw := range urls {
		e, err := ParseEndpoint(raw)
		if err != nil {
			continue
		}
		if seen[e.Key()] {
			continue
		}
		seen[e.Key()] = true
		result = append(result, e)
	}
	return result
}

// Merge concatenates the lists in priority order and deduplicates,
// so an entry in primary always outranks the same server in secondary or fallback.
func Merge(primary, secondary, fallback []Endpoint) []Endpoint {
	result := make([]Endpoint, 0, len(primary)+len(secondary)+len(fallback))
	seen := make(map[string]bool, cap(result))
	for _, list := range [][]Endpoint{primary, secondary, fallback} {
		for _, e := range list {
			if e.IsZero() || seen[e.Key()] {
				continue
			}
			seen[e.Key()] = true
			result = append(result, e)
		}
	}
	return result
}

// Resolve builds the effective server list from configured overrides,
// the environment defaults and a fallback list
func Resolve(env Environment, overrides, fallback []string) []Endpoint {
	return Merge(Normalize(overrides), ServersFor(env), Normalize(fallback))
}
