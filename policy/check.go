package policy

import (
	"regexp"
)

var (
	requirePattern = regexp.MustCompile(`\brequire\s*\(?\s*["']([A-Za-z0-9_.\-]+)["']`)
	accessPattern  = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\s*[.:\[]`)
)

// Check is the load-time static scan. It rejects source text that requires a
// denylisted module or indexes into one directly. It is not sound: string
// concatenation or any other indirection slips past it, and the dynamic layer
// inside the engine is what actually blocks access.
func (p *Policy) Check(source []byte) error {
	for _, m := range requirePattern.FindAllSubmatch(source, -1) {
		if name := string(m[1]); p.ModuleDenied(name) {
			return &Violation{Kind: KindModule, Name: name}
		}
	}
	for _, m := range accessPattern.FindAllSubmatchIndex(source, -1) {
		name := string(source[m[2]:m[3]])
		if m[2] > 0 && (source[m[2]-1] == '.' || source[m[2]-1] == ':') {
			continue
		}
		if p.ModuleDenied(name) {
			return &Violation{Kind: KindModule, Name: name}
		}
	}
	return nil
}
