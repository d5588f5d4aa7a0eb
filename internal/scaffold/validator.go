package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
)

// CheckExisting returns an error naming any generated file already in dir.
func CheckExisting(dir string) error {
	var existing []string
	for _, l := range layout {
		if _, err := os.Stat(filepath.Join(dir, l.path)); err == nil {
			existing = append(existing, l.path)
		}
	}

	if len(existing) == 0 {
		return nil
	}
	msg := "deployment already initialized\n\nFound existing"
	if len(existing) == 1 {
		msg += fmt.Sprintf(": %s", existing[0])
	} else {
		msg += " files:\n"
		for _, f := range existing {
			msg += fmt.Sprintf("  - %s\n", f)
		}
	}
	msg += "\nUse 'crucible init --force' to overwrite them"
	return fmt.Errorf("%s", msg)
}
