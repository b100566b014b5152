// Package filterrules implements the ordered body-filter-rule engine from
// §4.5 step 2 / §6: an ordered list of {op, source, target?} rules applied
// to the request body before forwarding, hot-reloaded on file-mtime
// change. A failed rule is skipped, never fatal — the unfiltered body
// always remains a safe fallback.
//
// Reload coalescing is grounded on jizhuozhi-hermes's jwksCache, whose
// refresh() uses a singleflight.Group so concurrent cache misses share one
// fetch instead of stampeding the source; the same pattern is applied here
// so a burst of watcher events for one file change only triggers one
// re-read and re-parse. Requests never reload; Apply reads the current
// rule snapshot.
package filterrules

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/Latias94/codex-helper/internal/logx"
)

// Op is one body-filter operation.
type Op string

const (
	OpReplace Op = "replace"
	OpRemove  Op = "remove"
)

// Rule is one ordered body-filter rule. Source/Target are JSON-pointer-like
// dotted field paths into the parsed request body.
type Rule struct {
	Op     Op     `json:"op"`
	Source string `json:"source"`
	Target string `json:"target,omitempty"`
}

// Engine holds the current rule set and reloads it from disk on change.
type Engine struct {
	path   string
	logger logx.Logger

	rules atomic.Pointer[[]Rule]

	sf       singleflight.Group
	watcher  *fsnotify.Watcher
	closeMu  sync.Mutex
	closed   bool
}

// New loads path once synchronously and starts a background fsnotify
// watcher to reload it on change. An empty path means "no filter rules";
// Apply then always returns the body unchanged.
func New(path string, logger logx.Logger) (*Engine, error) {
	if logger == nil {
		logger = logx.NoOpLogger{}
	}
	e := &Engine{path: path, logger: logger}
	empty := []Rule{}
	e.rules.Store(&empty)

	if path == "" {
		return e, nil
	}

	if err := e.reload(); err != nil {
		return nil, fmt.Errorf("filterrules: initial load: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filterrules: creating watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("filterrules: watching %s: %w", path, err)
	}
	e.watcher = w
	go e.watch()
	return e, nil
}

func (e *Engine) watch() {
	for {
		select {
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if _, err := e.reloadCoalesced(); err != nil {
				e.logger.Warn("filterrules: reload failed, keeping previous rules", map[string]interface{}{
					"path": e.path, "error": err.Error(),
				})
			}
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.logger.Warn("filterrules: watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

// reloadCoalesced coalesces concurrent reload triggers (a burst of fsnotify
// events) into a single file read via singleflight, mirroring
// jwksCache.refresh().
func (e *Engine) reloadCoalesced() (interface{}, error) {
	return e.sf.Do("reload", func() (interface{}, error) {
		return nil, e.reload()
	})
}

func (e *Engine) reload() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return err
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return err
	}
	e.rules.Store(&rules)
	e.logger.Info("filterrules: reloaded", map[string]interface{}{"path": e.path, "rule_count": len(rules)})
	return nil
}

// Close stops the background watcher.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed || e.watcher == nil {
		e.closed = true
		return nil
	}
	e.closed = true
	return e.watcher.Close()
}

// Rules returns the current rule snapshot.
func (e *Engine) Rules() []Rule {
	p := e.rules.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Apply runs every rule over body in order. A rule whose source field is
// absent, or whose JSON parse fails, is skipped rather than treated as an
// error — the caller always gets back a usable body.
func (e *Engine) Apply(body []byte) []byte {
	rules := e.Rules()
	if len(rules) == 0 {
		return body
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		// Not a JSON body (or malformed); filtering falls back silently
		// to the unfiltered body per §4.5 step 2 / §7.
		return body
	}

	changed := false
	for _, r := range rules {
		if applyRule(doc, r) {
			changed = true
		}
	}
	if !changed {
		return body
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}

func applyRule(doc map[string]interface{}, r Rule) bool {
	defer func() { recover() }() // a malformed path must skip, never panic the request path

	switch r.Op {
	case OpRemove:
		return deleteField(doc, r.Source)
	case OpReplace:
		val, ok := getField(doc, r.Source)
		if !ok {
			return false
		}
		return setField(doc, r.Target, val)
	default:
		return false
	}
}
