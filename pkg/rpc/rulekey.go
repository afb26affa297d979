package rpc

import "strings"

// RuleKey is the sole addressing scheme between the rule store and the
// processing pipeline: lowercase(service + "." + method). No wildcards or
// prefix matching.
func RuleKey(service, method string) string {
	return strings.ToLower(service + "." + method)
}
