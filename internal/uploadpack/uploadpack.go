// Package uploadpack parses the body of a git-upload-pack negotiation
// request into its wants, haves, capabilities and shallow/depth fields,
// and derives the content fingerprint the pack cache is keyed on.
package uploadpack

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/example/gitcdn/internal/packetline"
)

// maxErrorPrefix bounds how much of a malformed request body gets retained
// for diagnostics.
const maxErrorPrefix = 128

// ParsedInput is the result of parsing a single upload-pack request body.
type ParsedInput struct {
	Wants    []string
	Haves    []string
	Caps     []string
	Shallow  []string
	Depth    int
	Done     bool
	Protocol int

	ParseError  bool
	ErrorPrefix []byte

	Fingerprint string
}

// Parse walks the packet-line frames in body. protocol is the negotiated
// Git-Protocol version (0 if absent/unspecified).
func Parse(body []byte, protocol int) *ParsedInput {
	p := &ParsedInput{Protocol: protocol}

	wantSet := map[string]bool{}
	haveSet := map[string]bool{}
	shallowSet := map[string]bool{}
	firstWant := true
	seenDelim := false

	scanner := packetline.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		frame := scanner.Bytes()
		if packetline.IsFlush(frame) {
			continue
		}
		if packetline.IsDelim(frame) {
			// Everything before the delim-pkt is protocol v2's
			// command-request/capability-list section, not negotiation args.
			seenDelim = true
			continue
		}
		if packetline.IsResponseEnd(frame) || len(frame) < packetline.LengthSize {
			continue
		}
		payload := frame[packetline.LengthSize:]
		line := strings.TrimRight(string(payload), "\n")

		if protocol >= 2 && !seenDelim {
			if line != "" && !strings.HasPrefix(line, "command=") {
				p.Caps = append(p.Caps, line)
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "want "):
			fields := strings.Fields(line[len("want "):])
			if len(fields) == 0 {
				continue
			}
			wantSet[fields[0]] = true
			if firstWant && protocol < 2 {
				for _, c := range fields[1:] {
					p.Caps = append(p.Caps, c)
				}
			}
			firstWant = false
		case strings.HasPrefix(line, "have "):
			fields := strings.Fields(line[len("have "):])
			if len(fields) > 0 {
				haveSet[fields[0]] = true
			}
		case strings.HasPrefix(line, "shallow "):
			sha := strings.TrimSpace(line[len("shallow "):])
			if sha != "" {
				shallowSet[sha] = true
			}
		case strings.HasPrefix(line, "deepen "):
			if n, err := strconv.Atoi(strings.TrimSpace(line[len("deepen "):])); err == nil {
				p.Depth = n
			}
		case line == "done":
			p.Done = true
		}
	}
	if err := scanner.Err(); err != nil {
		p.ParseError = true
	}
	if p.ParseError {
		n := len(body)
		if n > maxErrorPrefix {
			n = maxErrorPrefix
		}
		p.ErrorPrefix = append([]byte(nil), body[:n]...)
		return p
	}

	p.Wants = sortedKeys(wantSet)
	p.Haves = sortedKeys(haveSet)
	p.Shallow = sortedKeys(shallowSet)
	sort.Strings(p.Caps)

	p.Fingerprint = fingerprint(p)
	return p
}

// CanBeCached reports whether this negotiation is eligible for the pack
// cache: it must be a complete (done), non-shallow, non-partial request
// that multiplexes its response over side-band-64k, since the cache stores
// exactly one framed byte stream per fingerprint and replays it verbatim.
func (p *ParsedInput) CanBeCached() bool {
	if p.ParseError || !p.Done || p.Fingerprint == "" {
		return false
	}
	if len(p.Wants) == 0 {
		return false
	}
	if p.Depth != 0 || len(p.Shallow) != 0 {
		return false
	}
	if hasCap(p.Caps, "filter") {
		return false
	}
	if !hasCap(p.Caps, "side-band-64k") {
		return false
	}
	return true
}

func hasCap(caps []string, name string) bool {
	for _, c := range caps {
		if c == name {
			return true
		}
	}
	return false
}

// fingerprint is a pure function of the negotiated wants, haves,
// capabilities (minus free-form identifiers), depth, shallow set and
// protocol version: any two requests with the same fingerprint must
// produce byte-identical upload-pack output.
func fingerprint(p *ParsedInput) string {
	h := sha1.New()
	writeSet := func(label string, vals []string) {
		h.Write([]byte(label))
		for _, v := range vals {
			h.Write([]byte{'\n'})
			h.Write([]byte(v))
		}
		h.Write([]byte{0})
	}

	writeSet("wants", p.Wants)
	writeSet("haves", p.Haves)
	writeSet("caps", filterCaps(p.Caps))
	writeSet("shallow", p.Shallow)
	h.Write([]byte("depth\n"))
	h.Write([]byte(strconv.Itoa(p.Depth)))
	h.Write([]byte{0, 'p', 'r', 'o', 't', 'o', '\n'})
	h.Write([]byte(strconv.Itoa(p.Protocol)))

	return hex.EncodeToString(h.Sum(nil))
}

func filterCaps(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if isExcludedCap(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func isExcludedCap(c string) bool {
	return strings.HasPrefix(c, "agent=") || strings.HasPrefix(c, "session-id=")
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
