package auth

import (
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// HeaderPrefix marks the service's custom headers; only these take part in
// the canonical header block.
const HeaderPrefix = "x-ms-"

// StringToSign builds the canonical string the SharedKey signature is
// computed over. It only reads req and always returns a value.
//
// Layout, one field per line:
//
//	VERB
//	Content-Encoding
//	Content-Language
//	Content-Length      (empty when 0)
//	Content-MD5
//	Content-Type
//	Date                (always empty, the date travels in x-ms-date)
//	If-Modified-Since
//	If-Match
//	If-None-Match
//	If-Unmodified-Since
//	Range
//	x-ms-* headers      (lower-cased, sorted, one per line)
//	canonical resource
func StringToSign(account string, req *http.Request) string {
	h := req.Header

	var b strings.Builder
	for _, field := range []string{
		req.Method,
		h.Get("Content-Encoding"),
		h.Get("Content-Language"),
		contentLength(req),
		h.Get("Content-MD5"),
		h.Get("Content-Type"),
		"",
		h.Get("If-Modified-Since"),
		h.Get("If-Match"),
		h.Get("If-None-Match"),
		h.Get("If-Unmodified-Since"),
		h.Get("Range"),
	} {
		b.WriteString(field)
		b.WriteByte('\n')
	}

	if headers := CanonicalizedHeaders(h); headers != "" {
		b.WriteString(headers)
		b.WriteByte('\n')
	}
	b.WriteString(CanonicalizedResource(account, req.URL))

	return b.String()
}

// contentLength renders the length field. Zero is written as an empty
// string; the protocol has required that since version 2015-02-21.
func contentLength(req *http.Request) string {
	length := req.Header.Get("Content-Length")
	if length == "" && req.ContentLength > 0 {
		length = strconv.FormatInt(req.ContentLength, 10)
	}
	if length == "0" {
		return ""
	}
	return length
}

// CanonicalizedHeaders returns the x-ms-* headers as sorted name:value
// lines joined by newlines. Headers without a value are left out.
func CanonicalizedHeaders(h http.Header) string {
	values := map[string]string{}
	for name, vals := range h {
		lower := strings.ToLower(strings.TrimSpace(name))
		if !strings.HasPrefix(lower, HeaderPrefix) {
			continue
		}

		joined := strings.Join(nonEmpty(vals), ",")
		if joined == "" {
			continue
		}
		if existing, ok := values[lower]; ok {
			joined = existing + "," + joined
		}
		values[lower] = joined
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, name+":"+values[name])
	}
	return strings.Join(lines, "\n")
}

// CanonicalizedResource returns "/" + account + path followed by one
// "name:v1,v2" line per query parameter, names and values sorted.
func CanonicalizedResource(account string, u *url.URL) string {
	var b strings.Builder
	b.WriteString("/")
	b.WriteString(account)

	path := ""
	if u != nil {
		path = u.EscapedPath()
	}
	if path == "" {
		path = "/"
	}
	b.WriteString(path)

	if u == nil || u.RawQuery == "" {
		return b.String()
	}

	// A malformed pair is skipped; everything that parsed is still signed.
	params, _ := url.ParseQuery(u.RawQuery)
	merged := map[string][]string{}
	for name, vals := range params {
		lower := strings.ToLower(name)
		merged[lower] = append(merged[lower], vals...)
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		vals := append([]string(nil), merged[name]...)
		sort.Strings(vals)
		b.WriteString("\n")
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.Join(vals, ","))
	}

	return b.String()
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
