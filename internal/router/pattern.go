package router

import (
	"fmt"
	"strings"
)

// segKind orders segment kinds by how specific they are. Lower is
// more specific.
type segKind int

const (
	segLiteral segKind = iota
	segParam           // :name, matches exactly one segment
	segStar            // *, matches exactly one segment
	segDoubleStar      // **, matches zero or more segments
)

type segment struct {
	kind  segKind
	value string // literal text or param name
}

// pattern is one compiled route pattern. Compilation happens once at
// table build time so malformed patterns fail at boot.
type pattern struct {
	raw      string
	segments []segment

	// precomputed for ordering
	literalPrefix int // leading literal segments
	weight        int // sum of per-segment kind weights
}

func compilePattern(raw string) (*pattern, error) {
	if raw == "" || raw[0] != '/' {
		return nil, fmt.Errorf("route pattern %q must start with /", raw)
	}

	p := &pattern{raw: raw}
	for _, part := range splitPath(NormalizePath(raw)) {
		var seg segment
		switch {
		case part == "**":
			seg = segment{kind: segDoubleStar}
		case part == "*":
			seg = segment{kind: segStar}
		case strings.HasPrefix(part, ":"):
			name := part[1:]
			if name == "" {
				return nil, fmt.Errorf("route pattern %q has an unnamed parameter", raw)
			}
			seg = segment{kind: segParam, value: name}
		default:
			seg = segment{kind: segLiteral, value: part}
		}
		p.segments = append(p.segments, seg)
	}

	prefixDone := false
	for _, seg := range p.segments {
		if seg.kind == segLiteral && !prefixDone {
			p.literalPrefix++
		} else {
			prefixDone = true
		}
		p.weight += int(segDoubleStar - seg.kind)
	}
	return p, nil
}

// moreSpecific orders patterns for matching: longer literal prefix
// first, then higher kind weight, then more segments. Ties keep
// config order.
func (p *pattern) moreSpecific(other *pattern) bool {
	if p.literalPrefix != other.literalPrefix {
		return p.literalPrefix > other.literalPrefix
	}
	if p.weight != other.weight {
		return p.weight > other.weight
	}
	return len(p.segments) > len(other.segments)
}

// match reports whether the already-normalized path satisfies the
// pattern. ** consumes zero or more segments.
func (p *pattern) match(path string) bool {
	return matchSegments(p.segments, splitPath(path))
}

func matchSegments(segs []segment, parts []string) bool {
	for i, seg := range segs {
		if seg.kind == segDoubleStar {
			rest := segs[i+1:]
			for skip := 0; skip <= len(parts); skip++ {
				if matchSegments(rest, parts[skip:]) {
					return true
				}
			}
			return false
		}
		if len(parts) == 0 {
			return false
		}
		switch seg.kind {
		case segLiteral:
			if seg.value != parts[0] {
				return false
			}
		case segParam, segStar:
			// any single segment
		}
		parts = parts[1:]
	}
	return len(parts) == 0
}

// params binds :name segments to path segments. Call only after
// match returned true.
func (p *pattern) params(path string) map[string]string {
	parts := splitPath(path)
	out := make(map[string]string)
	for i, seg := range p.segments {
		if seg.kind == segDoubleStar {
			break
		}
		if i >= len(parts) {
			break
		}
		if seg.kind == segParam {
			out[seg.value] = parts[i]
		}
	}
	return out
}

// NormalizePath collapses duplicate slashes and strips the trailing
// slash so /api//users/ and /api/users route identically.
func NormalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if strings.Contains(path, "//") {
		var b strings.Builder
		b.Grow(len(path))
		var prev byte
		for i := 0; i < len(path); i++ {
			if path[i] == '/' && prev == '/' {
				continue
			}
			b.WriteByte(path[i])
			prev = path[i]
		}
		path = b.String()
	}
	if len(path) > 1 && path[len(path)-1] == '/' {
		path = path[:len(path)-1]
	}
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return path
}

// ExtractParams binds a pattern's :name segments against a concrete
// path. Returns nil when the path does not match the pattern.
func ExtractParams(rawPattern, path string) map[string]string {
	p, err := compilePattern(rawPattern)
	if err != nil {
		return nil
	}
	norm := NormalizePath(path)
	if !p.match(norm) {
		return nil
	}
	return p.params(norm)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
