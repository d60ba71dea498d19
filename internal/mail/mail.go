package mail

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// maxLineLength is the max. allowed numbers of characters per line an e-mail,
// *including* the terminating CRLF
// (https://datatracker.ietf.org/doc/html/rfc2822#section-3.5)
const maxLineLength = 1000

// ErrNoHeaderEnd is returned when the data does not contain the empty line
// that separates the header section from the body.
var ErrNoHeaderEnd = errors.New("header end not found")

// hdrNameCharsOnly removes all non-printable ASCII chars and colons from s.
func hdrNameCharsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 33 && r <= 126 && r != ':' {
			return r
		}

		return -1
	}, s)
}

// hdrBodyCharsOnly removes all chars from s that are not allowed in an
// unstructured header body, whitespace is kept.
func hdrBodyCharsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 32 && r <= 126) || r == '\t' {
			return r
		}

		return -1
	}, s)
}

// AsHeader converts the header name and body to an email header line.
// The line is terminated with \r\n.
// If the header is invalid because it is too long or name or body contain
// an invalid characters an error is returned.
//
// https://datatracker.ietf.org/doc/html/rfc2822#section-2.2
func AsHeader(name, body string) ([]byte, error) {
	if name == "" {
		return nil, errors.New("header name is empty")
	}

	nClean := hdrNameCharsOnly(name)
	if len(nClean) != len(name) {
		return nil, errors.New("header name contains an invalid character")
	}

	bClean := hdrBodyCharsOnly(body)
	if len(bClean) != len(body) {
		return nil, errors.New("header body contains an invalid character")
	}

	hdr := append([]byte(nClean), ':', ' ')
	hdr = append(hdr, []byte(bClean)...)
	hdr = append(hdr, '\r', '\n')
	if len(hdr) > maxLineLength {
		return nil, errors.New("header is too long")
	}

	return hdr, nil
}

// AsHeaders converts the map to an email header section, the headers are
// ordered by name.
func AsHeaders(hdrs map[string]string) ([]byte, error) {
	result := make([]byte, 0, 512)

	names := make([]string, 0, len(hdrs))
	for k := range hdrs {
		names = append(names, k)
	}
	slices.Sort(names)

	for _, k := range names {
		hdr, err := AsHeader(k, hdrs[k])
		if err != nil {
			return nil, fmt.Errorf("converting header '%q: %q' failed: %w", k, hdrs[k], err)
		}

		result = append(result, hdr...)
	}

	return slices.Clip(result), nil
}

// WriteFile writes the e-mail msg with the additional headers appended to
// its header section to path.
// The file is written to a temporary file in the same directory first and
// then renamed, path either contains the complete e-mail or is not
// created.
func WriteFile(path string, msg []byte, headers []byte) error {
	tmpfileFd, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}

	if len(headers) == 0 {
		_, err = tmpfileFd.Write(msg)
	} else {
		err = addHeaders(bytes.NewReader(msg), tmpfileFd, headers)
	}
	if err != nil {
		_ = tmpfileFd.Close()
		delErr := os.Remove(tmpfileFd.Name())
		return errors.Join(err, delErr)
	}

	if err := tmpfileFd.Close(); err != nil {
		delErr := os.Remove(tmpfileFd.Name())
		return errors.Join(
			fmt.Errorf("writing tempfile failed: %w", err),
			delErr,
		)
	}

	return os.Rename(tmpfileFd.Name(), path)
}

// addHeaders reads an email from in, inserts the additional headers and writes
// the result to out.
func addHeaders(in io.Reader, out io.Writer, hdrs []byte) error {
	emailBr := bufio.NewReader(in)
	tmpfileBw := bufio.NewWriter(out)

	// the header section is copied line by line, this also finds the
	// header end when the delimiter spans multiple reads
	var continued bool
	for {
		line, err := emailBr.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if _, err := tmpfileBw.Write(line); err != nil {
				return fmt.Errorf("copying data failed: %w", err)
			}
			continued = true
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrNoHeaderEnd
			}
			return fmt.Errorf("reading email failed: %w", err)
		}

		isEmptyLine := bytes.Equal(line, []byte("\r\n")) || bytes.Equal(line, []byte("\n"))
		if isEmptyLine && !continued {
			if _, err := tmpfileBw.Write(hdrs); err != nil {
				return fmt.Errorf("writing failed: %w", err)
			}

			if _, err := tmpfileBw.Write(line); err != nil {
				return fmt.Errorf("writing failed: %w", err)
			}

			break
		}

		if _, err := tmpfileBw.Write(line); err != nil {
			return fmt.Errorf("copying data failed: %w", err)
		}
		continued = false
	}

	if _, err := io.Copy(tmpfileBw, emailBr); err != nil {
		return fmt.Errorf("copying email failed: %w", err)
	}

	if err := tmpfileBw.Flush(); err != nil {
		return fmt.Errorf("flushing buffer failed: %w", err)
	}

	return nil
}
