package restyutil

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// FilesystemOutput writes every dumped http exchange to its own file in a
// directory, which is handy to diff what a bank site changed.
type FilesystemOutput struct {
	directory string
}

// NewFilesystemOutput creates (and empties) dir.
func NewFilesystemOutput(dir string) (FilesystemOutput, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return FilesystemOutput{}, err
	}
	err = os.RemoveAll(dir)
	if err != nil {
		return FilesystemOutput{}, err
	}
	err = os.MkdirAll(dir, 0700)
	if err != nil {
		return FilesystemOutput{}, err
	}
	return FilesystemOutput{directory: dir}, nil
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// DumpName names the dump of an exchange after its order and target, e.g.
// "0007-post-connexion-clavier-virtuel".
func DumpName(seq uint64, method, path string) string {
	slug := strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(path), "-"), "-")
	if len(slug) > 64 {
		slug = slug[:64]
	}
	name := fmt.Sprintf("%04d-%s", seq, strings.ToLower(method))
	if slug != "" {
		name += "-" + slug
	}
	return name
}

func (o FilesystemOutput) Write(id string, contents string) {
	err := os.WriteFile(filepath.Join(o.directory, id), []byte(contents), 0600)
	if err != nil {
		slog.Warn("failed to write message info file", "id", id, "err", err)
	}
}
