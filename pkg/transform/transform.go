// Package transform holds the payload transforms applied to FIFO traffic
// before it is forwarded to a publish pipe.
//
// A transform is a pure function of (source, payload). It must not perform
// I/O. Returning ok == false suppresses the payload.
package transform

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
)

// Func reshapes a payload read from sourceID. ok == false means the payload
// is not forwarded.
type Func func(sourceID string, payload []byte) (out []byte, ok bool)

// Built-in transform names
const (
	Identity   = "identity"
	Hex        = "hex"
	Lines      = "lines"
	UBXGNSSNav = "ubx_gnss_nav"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]Func{
		Identity:   identity,
		Hex:        decodeHex,
		Lines:      trimLines,
		UBXGNSSNav: UBXNav,
	}
)

// Register adds a named transform. Registering an existing name fails.
func Register(name string, fn Func) error {
	if name == "" || fn == nil {
		return fmt.Errorf("transform: name and func are required")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		return fmt.Errorf("transform: %q already registered", name)
	}
	registry[name] = fn
	return nil
}

// Lookup returns the transform registered under name. The empty name
// resolves to identity.
func Lookup(name string) (Func, error) {
	if name == "" {
		name = Identity
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("transform: unknown transform %q", name)
	}
	return fn, nil
}

// Names lists the registered transforms in sorted order
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func identity(_ string, payload []byte) ([]byte, bool) {
	return payload, true
}

// decodeHex turns a hex-encoded payload back into bytes. Odd-length or
// malformed input is suppressed.
func decodeHex(_ string, payload []byte) ([]byte, bool) {
	src := bytes.TrimSpace(payload)
	if len(src) == 0 || len(src)&1 != 0 {
		return nil, false
	}
	out := make([]byte, hex.DecodedLen(len(src)))
	if _, err := hex.Decode(out, src); err != nil {
		return nil, false
	}
	return out, true
}

// trimLines drops whitespace-only payloads and normalizes the line ending
func trimLines(_ string, payload []byte) ([]byte, bool) {
	body := bytes.TrimRight(payload, " \t\r\n")
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, false
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, body...)
	return append(out, '\n'), true
}
