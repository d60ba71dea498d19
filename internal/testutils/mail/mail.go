package mail

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jhillyerd/enmime/v2"
)

const (
	ExampleMailSubject   = "An RFC 822 formatted message"
	ExampleMailMessageID = "example-1@example.com"
	ExampleMailSender    = "someone@example.com"
)

func findProjectRoot(t *testing.T) string {
	t.Helper()
	const projectRootfile = "go.mod"
	path, err := os.Getwd()
	if err != nil {
		t.Fatalf("could not detect working dir: %s", err)
	}

	for {
		_, err = os.Stat(filepath.Join(path, projectRootfile))
		if err == nil {
			return path
		}

		if os.IsNotExist(err) {
			subdir := filepath.Join(path, "..")
			if subdir == path {
				t.Fatalf("could not find project root directory containing %q file", projectRootfile)
			}
			path = subdir

			continue
		}
		t.Fatalf("checking if directory exists failed: %s", err)
		return ""
	}
}

func ExampleMailPath(t *testing.T) string {
	proot := findProjectRoot(t)
	return filepath.Join(proot, "internal", "testutils", "mail", "testdata", "example.mail")
}

func ExampleMail(t *testing.T) []byte {
	data, err := os.ReadFile(ExampleMailPath(t))
	if err != nil {
		t.Fatalf("reading example mail failed: %s", err)
	}

	return data
}

// New builds a plain text mail with the given Message-ID and subject.
func New(t *testing.T, messageID, subject string) []byte {
	t.Helper()

	part, err := enmime.Builder().
		From("Sender", ExampleMailSender).
		To("Recipient", "someone_else@example.com").
		Subject(subject).
		Date(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)).
		Header("Message-Id", "<"+messageID+">").
		Text([]byte("hello\r\n")).
		Build()
	if err != nil {
		t.Fatalf("building mail failed: %s", err)
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		t.Fatalf("encoding mail failed: %s", err)
	}

	return buf.Bytes()
}
