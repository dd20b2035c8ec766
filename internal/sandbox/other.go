//go:build !linux

package sandbox

func currentRlimits() map[string]string {
	return map[string]string{}
}
