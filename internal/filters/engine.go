// Package filters implements the keyword matcher used by the mirror
// procedure (C9, §4.9): a compiled, case-insensitive substring matcher over
// either a channel's own keyword list or the global one, memoized per
// (mode, keywords) so repeated evaluations of the same channel don't
// re-split and re-lowercase the list every message.
package filters

import (
	"strings"
	"sync"

	"tgmirror/internal/model"
)

// matcher holds the normalized keyword set for one (mode, keywords) tuple.
type matcher struct {
	keywords []string // already lower-cased, blank lines dropped
}

func newMatcher(raw string) *matcher {
	lines := strings.Split(raw, "\n")
	kw := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.ToLower(strings.TrimSpace(line))
		if trimmed == "" {
			continue
		}
		kw = append(kw, trimmed)
	}
	return &matcher{keywords: kw}
}

func (m *matcher) match(text string) bool {
	if text == "" || len(m.keywords) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range m.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Engine compiles and caches matchers for the channel-level and global
// keyword lists. It is safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	cache    map[string]*matcher // key: mode + "\x00" + keywords
	globalFn func() string       // current global keyword list, read lazily from settings
}

// New builds an Engine. globalKeywords is called on every "inherit"
// evaluation so that a live settings change (§4.2, invalidated on write)
// takes effect within the cache's own TTL without the filter engine having
// to know anything about settings refresh.
func New(globalKeywords func() string) *Engine {
	return &Engine{
		cache:    make(map[string]*matcher),
		globalFn: globalKeywords,
	}
}

// Matches evaluates §4.9's rule set for one channel and one message's text.
// Empty text is never filtered, regardless of mode.
func (e *Engine) Matches(mode model.MessageFilterMode, channelKeywords string, text string) bool {
	if text == "" {
		return false
	}

	switch mode {
	case model.FilterModeDisabled:
		return false
	case model.FilterModeCustom:
		return e.matcherFor("custom", channelKeywords).match(text)
	default: // inherit, or empty/unset which behaves as inherit per §4.9
		global := ""
		if e.globalFn != nil {
			global = e.globalFn()
		}
		return e.matcherFor("inherit", global).match(text)
	}
}

func (e *Engine) matcherFor(mode, keywords string) *matcher {
	key := mode + "\x00" + keywords

	e.mu.Lock()
	defer e.mu.Unlock()

	if m, ok := e.cache[key]; ok {
		return m
	}
	m := newMatcher(keywords)
	e.cache[key] = m
	// Bound the cache: keyword lists change rarely, but a pathological
	// caller that evaluates ever-changing custom strings shouldn't be able
	// to grow this unboundedly. Simple reset on overflow is enough here.
	if len(e.cache) > 4096 {
		e.cache = map[string]*matcher{key: m}
	}
	return m
}
