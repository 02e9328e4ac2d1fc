package socks

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// maxIdentLen bounds the null-terminated USERID and SOCKS4a hostname fields.
const maxIdentLen = 255

var errFieldTooLong = errors.New("socks4: field too long")

// serve4 handles a SOCKS4 or SOCKS4a request:
//
//	+----+----+---------+--------+--------+----------+
//	| VN | CD | DSTPORT | DSTIP  | USERID | NULL     |
//	+----+----+---------+--------+--------+----------+
//	| 1  | 1  |    2    |   4    | var    | 1        |
//
// SOCKS4a sets DSTIP to 0.0.0.x (x != 0) and appends a null-terminated host.
func (s *Server) serve4(ctx context.Context, conn net.Conn, br *bufio.Reader) error {
	req, err := readRequest4(br)
	if err != nil {
		return err
	}
	conn.SetReadDeadline(time.Time{})

	client := &bufferedConn{Conn: conn, r: br}
	reply := NewReplier(Version4, func(code byte, bind net.Addr) error {
		return writeReply4(conn, code, bind)
	})
	return s.handler.Handle(ctx, client, req, reply)
}

func readRequest4(br *bufio.Reader) (Request, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return Request{}, fmt.Errorf("socks4: read header: %w", err)
	}
	if hdr[0] != Version4 {
		return Request{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, hdr[0])
	}

	req := Request{
		Version: Version4,
		Command: hdr[1],
		Port:    int(binary.BigEndian.Uint16(hdr[2:4])),
	}
	ip := net.IPv4(hdr[4], hdr[5], hdr[6], hdr[7])

	if _, err := readNullTerminated(br); err != nil {
		return Request{}, fmt.Errorf("socks4: read user id: %w", err)
	}

	if hdr[4] == 0 && hdr[5] == 0 && hdr[6] == 0 && hdr[7] != 0 {
		host, err := readNullTerminated(br)
		if err != nil {
			return Request{}, fmt.Errorf("socks4a: read host: %w", err)
		}
		req.Host = host
	} else {
		req.Host = ip.String()
	}
	return req, nil
}

func readNullTerminated(br *bufio.Reader) (string, error) {
	var buf []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		if len(buf) == maxIdentLen {
			return "", errFieldTooLong
		}
		buf = append(buf, b)
	}
}

func writeReply4(w io.Writer, code byte, bind net.Addr) error {
	reply := make([]byte, 8)
	reply[1] = code
	if addr, ok := bind.(*net.TCPAddr); ok {
		if ip4 := addr.IP.To4(); ip4 != nil {
			binary.BigEndian.PutUint16(reply[2:4], uint16(addr.Port))
			copy(reply[4:8], ip4)
		}
	}
	_, err := w.Write(reply)
	return err
}
