package packetline

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestToPacket(t *testing.T) {
	pkt, err := ToPacket([]byte("want deadbeef\n"))
	if err != nil {
		t.Fatalf("ToPacket: %v", err)
	}
	want := "0012want deadbeef\n"
	if string(pkt) != want {
		t.Fatalf("got %q, want %q", pkt, want)
	}
}

func TestChunkParserStopsAtFlush(t *testing.T) {
	var buf bytes.Buffer
	first, _ := ToPacket([]byte("PACK"))
	buf.Write(first)
	buf.WriteString(Flush)

	p := NewChunkParser(&buf)
	frame, err := p.Next()
	if err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if string(frame) != string(first) {
		t.Fatalf("got %q want %q", frame, first)
	}

	frame, err = p.Next()
	if err != nil {
		t.Fatalf("flush Next: %v", err)
	}
	if !IsFlush(frame) {
		t.Fatalf("expected flush frame, got %q", frame)
	}

	if _, err := p.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after flush, got %v", err)
	}
}

func TestChunkParserDelimIsNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(Delim)
	want, _ := ToPacket([]byte("want deadbeef\n"))
	buf.Write(want)
	buf.WriteString(Flush)

	p := NewChunkParser(&buf)

	frame, err := p.Next()
	if err != nil {
		t.Fatalf("delim Next: %v", err)
	}
	if !IsDelim(frame) {
		t.Fatalf("expected delim frame, got %q", frame)
	}

	frame, err = p.Next()
	if err != nil {
		t.Fatalf("want-line Next: %v", err)
	}
	if string(frame) != string(want) {
		t.Fatalf("got %q want %q (delim must not have desynced the stream)", frame, want)
	}

	frame, err = p.Next()
	if err != nil {
		t.Fatalf("flush Next: %v", err)
	}
	if !IsFlush(frame) {
		t.Fatalf("expected flush frame, got %q", frame)
	}
}

func TestChunkParserResponseEndIsNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(ResponseEnd)
	buf.WriteString(Flush)

	p := NewChunkParser(&buf)

	frame, err := p.Next()
	if err != nil {
		t.Fatalf("response-end Next: %v", err)
	}
	if !IsResponseEnd(frame) {
		t.Fatalf("expected response-end frame, got %q", frame)
	}

	frame, err = p.Next()
	if err != nil {
		t.Fatalf("flush Next: %v", err)
	}
	if !IsFlush(frame) {
		t.Fatalf("expected flush frame, got %q", frame)
	}
}

func TestChunkParserMalformedPrefix(t *testing.T) {
	p := NewChunkParser(bytes.NewReader([]byte("zzzzpayload")))
	if _, err := p.Next(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestChunkParserTruncatedPayload(t *testing.T) {
	p := NewChunkParser(bytes.NewReader([]byte("0010abc")))
	if _, err := p.Next(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestSplitFuncTable(t *testing.T) {
	cases := []struct {
		name      string
		data      string
		atEOF     bool
		wantAdv   int
		wantToken string
		wantErr   bool
	}{
		{"needs more data", "001", false, 0, "", false},
		{"flush", "0000rest", false, 4, "0000", false},
		{"delim", "0001rest", false, 4, "0001", false},
		{"response end", "0002rest", false, 4, "0002", false},
		{"full frame", "0009want1rest", false, 9, "0009want1", false},
		{"incomplete frame not eof", "0009wa", false, 0, "", false},
		{"incomplete frame at eof", "0009wa", true, 0, "", true},
		{"bad hex", "zzzz", true, 0, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adv, token, err := SplitFunc([]byte(tc.data), tc.atEOF)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if adv != tc.wantAdv || string(token) != tc.wantToken {
				t.Fatalf("got (%d,%q) want (%d,%q)", adv, token, tc.wantAdv, tc.wantToken)
			}
		})
	}
}
