package gemforge

import (
	"fmt"
	"io"
	"os"

	"lukechampine.com/blake3"
)

// hashFile returns the hex blake3 sum of a file's contents.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
