package engine

import (
	"bytes"
	"errors"
	"fmt"
)

const preambleSize = 8

var (
	magicWord   = []byte{0x00, 0x61, 0x73, 0x6d}
	versionWord = []byte{0x01, 0x00, 0x00, 0x00}

	errEmptyModule = errors.New("module is empty")
)

// checkPreamble validates the magic and version words so that a wrong
// payload (an HTML error page, a truncated download) is reported with the
// offending bytes before the decoder runs.
func checkPreamble(b []byte) error {
	if len(b) == 0 {
		return errEmptyModule
	}
	if n := min(len(b), 4); !bytes.Equal(b[:n], magicWord[:n]) || n < 4 {
		return fmt.Errorf("expected magic word % x, found % x @+0", magicWord, b[:n])
	}
	if n := min(len(b), preambleSize); !bytes.Equal(b[4:n], versionWord[:n-4]) || n < preambleSize {
		return fmt.Errorf("expected version % x, found % x @+4", versionWord, b[4:n])
	}
	return nil
}
