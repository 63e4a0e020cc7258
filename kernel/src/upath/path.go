// Package upath implements the path-component type namei walks over,
// plus the path-splitting helper that replaces the empty bpath stub.
package upath

// NameMax is the longest name that fits in one directory entry.
const NameMax = 14

// Path is an immutable filesystem path or path component.
type Path []uint8

// Isdot reports whether the path equals ".".
func (p Path) Isdot() bool {
	return len(p) == 1 && p[0] == '.'
}

// Isdotdot reports whether the path equals "..".
func (p Path) Isdotdot() bool {
	return len(p) == 2 && p[0] == '.' && p[1] == '.'
}

// Eq compares two paths byte for byte.
func (p Path) Eq(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i, v := range p {
		if v != o[i] {
			return false
		}
	}
	return true
}

// MkPath creates an empty path.
func MkPath() Path {
	return Path{}
}

// MkPathDot returns a Path representing ".".
func MkPathDot() Path {
	return Path(".")
}

// MkPathRoot returns a Path for the root directory "/".
func MkPathRoot() Path {
	return Path("/")
}

// DotDot is a reusable Path containing "..".
var DotDot = Path{'.', '.'}

// MkPathSlice converts a NUL-terminated byte slice to a Path, truncating
// at the first NUL the way a directory-entry name field is terminated.
func MkPathSlice(buf []uint8) Path {
	for i := 0; i < len(buf); i++ {
		if buf[i] == 0 {
			return buf[:i]
		}
	}
	return buf
}

// Extend appends '/' and q to the path and returns the result.
func (p Path) Extend(q Path) Path {
	tmp := make(Path, len(p))
	copy(tmp, p)
	r := append(tmp, '/')
	return append(r, q...)
}

// ExtendStr appends '/' and the string q to the path.
func (p Path) ExtendStr(q string) Path {
	return p.Extend(Path(q))
}

// IsAbsolute reports whether the path begins with '/'.
func (p Path) IsAbsolute() bool {
	return len(p) > 0 && p[0] == '/'
}

// IndexByte returns the index of b in the path, or -1 if absent.
func (p Path) IndexByte(b uint8) int {
	for i, v := range p {
		if v == b {
			return i
		}
	}
	return -1
}

// String converts the path to a Go string.
func (p Path) String() string {
	return string(p)
}

// skipslash returns p with any leading run of '/' removed.
func skipslash(p Path) Path {
	i := 0
	for i < len(p) && p[i] == '/' {
		i++
	}
	return p[i:]
}

// Next splits the first path element off p, returning it together with
// the remainder (with its leading slashes already skipped). namei (spec
// §4.10) calls this once per directory level; it never allocates.
func (p Path) Next() (elem Path, rest Path, ok bool) {
	p = skipslash(p)
	if len(p) == 0 {
		return nil, nil, false
	}
	i := p.IndexByte('/')
	if i < 0 {
		return p, nil, true
	}
	return p[:i], skipslash(p[i:]), true
}

// Canonicalize resolves "." and ".." components of p against base, which
// must already be an absolute, canonical path (e.g. a cwd path). It never
// touches the filesystem — purely lexical resolution, replacing the
// empty bpath stub's implied call sites; existence checks happen later
// in namei.
func Canonicalize(base, p Path) Path {
	var stack []Path
	if !p.IsAbsolute() {
		cur := base
		for {
			elem, rest, ok := cur.Next()
			if !ok {
				break
			}
			stack = append(stack, elem)
			cur = rest
		}
	}
	rest := p
	for {
		var elem Path
		var ok bool
		elem, rest, ok = rest.Next()
		if !ok {
			break
		}
		switch {
		case elem.Isdot():
		case elem.Isdotdot():
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, elem)
		}
	}
	out := MkPath()
	for _, e := range stack {
		out = append(append(out, '/'), e...)
	}
	if len(out) == 0 {
		return MkPathRoot()
	}
	return out
}
