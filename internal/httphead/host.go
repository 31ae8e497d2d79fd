// Package httphead does just enough byte-level HTTP/1.x parsing to route a
// preview buffer: locating the Host header and the request-line path
// without a full HTTP parse (case-insensitive 5-byte match on the header
// name, CR/LF terminated value, ≤1024-byte scan cap, no percent-decoding).
package httphead

import "bytes"

const maxScan = 1024

// ExtractHost scans the first min(len(buf), 1024) bytes of buf for a
// "Host:" header (case-insensitive on exactly the first five bytes of a
// candidate line) and returns its trimmed value. ok is false if no Host
// header is found within the scan window.
func ExtractHost(buf []byte) (host string, ok bool) {
	limit := len(buf)
	if limit > maxScan {
		limit = maxScan
	}
	if limit < 5 {
		return "", false
	}

	for i := 0; i <= limit-5; i++ {
		if (i > 0 && buf[i-1] != '\n') || !equalFoldASCII(buf[i:i+5], hostPattern) {
			continue
		}

		start := i + 5
		end := start
		for end < limit && buf[end] != '\r' && buf[end] != '\n' {
			end++
		}
		if end <= start {
			return "", false
		}

		trimStart := start
		for trimStart < end && (buf[trimStart] == ' ' || buf[trimStart] == '\t') {
			trimStart++
		}
		trimEnd := end
		for trimEnd > trimStart && (buf[trimEnd-1] == ' ' || buf[trimEnd-1] == '\t') {
			trimEnd--
		}
		if trimEnd <= trimStart {
			return "", false
		}
		return string(buf[trimStart:trimEnd]), true
	}
	return "", false
}

var hostPattern = []byte("host:")

// equalFoldASCII reports whether a and b are equal after ASCII-only
// lowercasing of a (header names are never non-ASCII in practice).
func equalFoldASCII(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		c := a[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != b[i] {
			return false
		}
	}
	return true
}

// RequestLine extracts the method and path tokens from the first line of
// an HTTP/1.x request: "METHOD SP PATH SP VERSION". ok is false unless
// the first line holds a method, a space, a path, a space and a version
// token starting with "HTTP/".
func RequestLine(buf []byte) (method, path string, ok bool) {
	nl := bytes.IndexAny(buf, "\r\n")
	line := buf
	if nl >= 0 {
		line = buf[:nl]
	}

	firstSpace := bytes.IndexByte(line, ' ')
	if firstSpace < 0 {
		return "", "", false
	}
	rest := line[firstSpace+1:]
	secondSpace := bytes.IndexByte(rest, ' ')
	if secondSpace < 0 || !bytes.HasPrefix(rest[secondSpace+1:], []byte("HTTP/")) {
		return "", "", false
	}
	return string(line[:firstSpace]), string(rest[:secondSpace]), true
}

// RewritePath replaces the path token of the request line in place within
// buf, returning a new buffer (the request line's length, and therefore
// the whole buffer's length, generally changes). It returns buf itself,
// unchanged, if oldPath is not the exact path token of the request line.
func RewritePath(buf []byte, oldPath, newPath string) []byte {
	method, path, ok := RequestLine(buf)
	if !ok || path != oldPath {
		return buf
	}

	prefix := []byte(method + " " + oldPath)
	idx := bytes.Index(buf, prefix)
	if idx < 0 {
		return buf
	}

	out := make([]byte, 0, len(buf)-len(oldPath)+len(newPath))
	out = append(out, buf[:idx]...)
	out = append(out, []byte(method+" "+newPath)...)
	out = append(out, buf[idx+len(prefix):]...)
	return out
}
