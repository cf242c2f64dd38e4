package server

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// maxMessage bounds a single wire message; paths dominate, PATH_MAX is 4096.
const maxMessage = 4200

// Request is the closed set of wire requests. Parsing is explicit
// validation of the textual format, never reflection.
type Request interface{ isRequest() }

// PathRequest announces the path the caller wants deleted.
type PathRequest struct {
	Path string
}

// SyncRequest selects the blocking policy: 0 waits for the known total
// size, 1..100 wait for that share of freed bytes.
type SyncRequest struct {
	Percent int
}

func (PathRequest) isRequest() {}
func (SyncRequest) isRequest() {}

// ReadRequest reads one null-terminated message and parses it. io.EOF is
// returned untouched so callers can tell an orderly disconnect from a
// malformed message. The read is bounded: a peer that never terminates its
// message is rejected at maxMessage instead of growing a buffer forever.
func ReadRequest(r *bufio.Reader) (Request, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && len(buf) == 0 {
				return nil, io.EOF
			}
			return nil, Errf(CodeProtocol, "read: %v", err)
		}
		if b == 0 {
			break
		}
		if len(buf) >= maxMessage {
			return nil, Errf(CodeProtocol, "message too long")
		}
		buf = append(buf, b)
	}
	msg := string(buf)

	verb, arg, ok := strings.Cut(msg, " ")
	if !ok {
		return nil, Errf(CodeProtocol, "missing argument in %q", msg)
	}

	switch verb {
	case "PATH":
		if arg == "" || !filepath.IsAbs(arg) {
			return nil, Errf(CodeProtocol, "PATH argument must be absolute")
		}
		return PathRequest{Path: filepath.Clean(arg)}, nil
	case "SYNC":
		pct, err := strconv.Atoi(arg)
		if err != nil || pct < 0 || pct > 100 {
			return nil, Errf(CodeProtocol, "SYNC argument must be 0..100")
		}
		return SyncRequest{Percent: pct}, nil
	default:
		return nil, Errf(CodeProtocol, "unknown verb %q", verb)
	}
}

// WriteOK writes an OK response carrying payload.
func WriteOK(w io.Writer, payload string) error {
	_, err := fmt.Fprintf(w, "OK %s\x00", payload)
	return err
}

// WriteErr writes an ERR response with the numeric code.
func WriteErr(w io.Writer, code Code) error {
	_, err := fmt.Fprintf(w, "ERR %d\x00", code)
	return err
}
