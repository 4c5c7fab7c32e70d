package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// MethodCacheability defines how a method should be cached
type MethodCacheability int

const (
	// NotCacheable - method should never be cached
	NotCacheable MethodCacheability = iota
	// AlwaysCacheable - method result is immutable once it exists
	AlwaysCacheable
	// CacheableUnlessVerbose - immutable only in its non-verbose form; verbose
	// output carries confirmations and block info that change over time
	CacheableUnlessVerbose
)

var methodCacheRules = map[string]MethodCacheability{
	"blockchain.transaction.get":         CacheableUnlessVerbose,
	"blockchain.transaction.id_from_pos": AlwaysCacheable,
	"server.genesis_hash":                AlwaysCacheable,
}

// verboseParamIndex is the position of the verbose flag for CacheableUnlessVerbose methods
var verboseParamIndex = map[string]int{
	"blockchain.transaction.get": 1,
}

// Policy decides which calls may be served from the cache
type Policy struct {
	disabled map[string]bool
}

// NewPolicy creates a policy excluding the given methods
func NewPolicy(disabledMethods []string) *Policy {
	p := &Policy{disabled: make(map[string]bool, len(disabledMethods))}
	for _, m := range disabledMethods {
		p.disabled[m] = true
	}
	return p
}

// IsMethodDisabled checks if a method is in the disabled list
func (p *Policy) IsMethodDisabled(method string) bool {
	return p != nil && p.disabled[method]
}

// IsCacheable checks if a call is cacheable based on method and params
func (p *Policy) IsCacheable(method string, params []any) bool {
	if p.IsMethodDisabled(method) {
		return false
	}

	switch methodCacheRules[method] {
	case AlwaysCacheable:
		return true
	case CacheableUnlessVerbose:
		return !isVerbose(params, verboseParamIndex[method])
	default:
		return false
	}
}

func isVerbose(params []any, idx int) bool {
	if idx >= len(params) {
		return false
	}
	v, ok := params[idx].(bool)
	if !ok {
		// unknown shape, assume it changes
		return true
	}
	return v
}

// GenerateCacheKey creates a unique cache key for a call
func GenerateCacheKey(network, method string, params []any) string {
	normalizedParams := normalizeParams(params)
	hash := sha256.Sum256(normalizedParams)
	paramsHash := hex.EncodeToString(hash[:8])

	return network + ":" + method + ":" + paramsHash
}

func normalizeParams(params []any) []byte {
	if len(params) == 0 {
		return []byte("[]")
	}

	// round trip through JSON so typed params hash like their wire form
	raw, err := json.Marshal(params)
	if err != nil {
		return []byte("[]")
	}
	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return raw
	}

	result, err := json.Marshal(normalizeValue(data))
	if err != nil {
		return raw
	}
	return result
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return normalizeMap(val)
	case []interface{}:
		return normalizeArray(val)
	case string:
		return strings.ToLower(val) // hashes are case-insensitive hex
	default:
		return val
	}
}

func normalizeMap(m map[string]interface{}) map[string]interface{} {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make(map[string]interface{}, len(m))
	for _, k := range keys {
		result[k] = normalizeValue(m[k])
	}
	return result
}

func normalizeArray(arr []interface{}) []interface{} {
	result := make([]interface{}, len(arr))
	for i, v := range arr {
		result[i] = normalizeValue(v)
	}
	return result
}
