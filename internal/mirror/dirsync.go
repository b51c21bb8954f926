package mirror

import "os"

// DirSync calls fsync(2) on the directory to save changes in the directory.
//
// d must be an absolute directory path. This should be called after
// os.Mkdir, os.Rename and so on.
func DirSync(d string) error {
	f, err := os.Open(d) // #nosec G304 - d is a configured directory
	if err != nil {
		return err
	}
	err = f.Sync()
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
