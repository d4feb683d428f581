//go:build !darwin && !linux

package storage

// Detection is unavailable here; an empty type is treated as local.
func detectFilesystemType(string) (string, error) {
	return "", nil
}
