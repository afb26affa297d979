// Package rules implements the rule-driven response selection for mocked
// methods: the rule document model, the condition language, the priority
// selector, and the rule index with its atomically swappable provider.
//
// A rule document configures one method, addressed by
// lowercase(service + "." + method), and owns an ordered list of response
// options. The option with the highest priority whose condition matches the
// request wins; an option without a condition is a universal fallback.
package rules
