package relay

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
	"unicode/utf8"
)

var (
	// ErrLineTooLong reports a line over the configured maximum. The rest of
	// the line is discarded and the next read starts on the following line.
	ErrLineTooLong = errors.New("relay: line too long")
	// ErrInvalidUTF8 reports a line that is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("relay: line is not valid UTF-8")
)

// DefaultMaxLineLength bounds a single line when ConnOptions leaves it unset.
const DefaultMaxLineLength = 8192

// Conn is a framed, line-oriented transport to one peer. ReadLine and
// WriteLine are each called from a single goroutine.
type Conn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	RemoteAddr() net.Addr
	Close() error
}

// ConnOptions tune the line transports.
type ConnOptions struct {
	MaxLineLength int
	// IdleTimeout ends the session when no line arrives for this long.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
}

func (o ConnOptions) maxLineLength() int {
	if o.MaxLineLength <= 0 {
		return DefaultMaxLineLength
	}
	return o.MaxLineLength
}

// Recoverable reports whether a read error only affects the current line.
func Recoverable(err error) bool {
	return errors.Is(err, ErrLineTooLong) || errors.Is(err, ErrInvalidUTF8)
}

// SchemeAddr tags a remote address with the transport it arrived on so that
// registry keys stay unique across listeners. Channel distinguishes streams
// multiplexed over one connection; zero means the connection has only one.
type SchemeAddr struct {
	Scheme  string
	Channel uint64
	net.Addr
}

func (a SchemeAddr) String() string {
	s := a.Scheme + "://" + a.Addr.String()
	if a.Channel > 0 {
		s += "/" + strconv.FormatUint(a.Channel, 10)
	}
	return s
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type streamConn struct {
	rwc  io.ReadWriteCloser
	addr net.Addr
	opts ConnOptions

	reader *lineReader
	writer *bufio.Writer
}

// NewStreamConn frames rwc as newline-delimited UTF-8 text. Deadlines are
// applied when rwc supports them.
func NewStreamConn(rwc io.ReadWriteCloser, addr net.Addr, opts ConnOptions) Conn {
	return &streamConn{
		rwc:    rwc,
		addr:   addr,
		opts:   opts,
		reader: newLineReader(rwc, opts.maxLineLength()),
		writer: bufio.NewWriter(rwc),
	}
}

// NewTCPConn frames an accepted network connection.
func NewTCPConn(c net.Conn, opts ConnOptions) Conn {
	return NewStreamConn(c, c.RemoteAddr(), opts)
}

func (c *streamConn) ReadLine() (string, error) {
	if d, ok := c.rwc.(deadliner); ok && c.opts.IdleTimeout > 0 {
		if err := d.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout)); err != nil {
			return "", err
		}
	}
	return c.reader.ReadLine()
}

func (c *streamConn) WriteLine(line string) error {
	if d, ok := c.rwc.(deadliner); ok && c.opts.WriteTimeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	if _, err := c.writer.WriteString(line); err != nil {
		return err
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *streamConn) RemoteAddr() net.Addr {
	return c.addr
}

func (c *streamConn) Close() error {
	return c.rwc.Close()
}

type lineReader struct {
	r   *bufio.Reader
	max int
}

func newLineReader(r io.Reader, max int) *lineReader {
	return &lineReader{r: bufio.NewReader(r), max: max}
}

// ReadLine returns the next line without its terminator. A final line with no
// newline is returned before io.EOF.
func (l *lineReader) ReadLine() (string, error) {
	var (
		line    []byte
		tooLong bool
	)
	for {
		chunk, err := l.r.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			// Allow room for a CRLF terminator before giving up.
			if len(line) > l.max+2 {
				tooLong = true
				line = nil
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if tooLong {
				return "", ErrLineTooLong
			}
			if len(line) == 0 {
				return "", io.EOF
			}
			return l.decode(line)
		case err != nil:
			return "", err
		case tooLong:
			return "", ErrLineTooLong
		default:
			return l.decode(line)
		}
	}
}

func (l *lineReader) decode(line []byte) (string, error) {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) > l.max {
		return "", fmt.Errorf("%w: %d bytes", ErrLineTooLong, len(line))
	}
	if !utf8.Valid(line) {
		return "", ErrInvalidUTF8
	}
	return string(line), nil
}
