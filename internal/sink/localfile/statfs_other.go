//go:build !linux && !darwin && !freebsd

package localfile

import "errors"

// FreePercent is unsupported on this platform.
func FreePercent(string) (float64, error) {
	return 0, errors.New("localfile: free space check unsupported on this platform")
}
